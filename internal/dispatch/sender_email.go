package dispatch

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/security"
)

// emailSender はメール配信。Mailgun APIまたはSMTPで送信する。
type emailSender struct {
	cfg       EmailConfig
	sanitizer security.ContentSanitizerService
	timeout   time.Duration

	// sendMailgun / sendSMTP はテストで差し替え可能な送信関数。
	sendMailgun func(ctx context.Context, recipient, subject, htmlBody string) error
	sendSMTP    func(recipient, subject, htmlBody string) error
}

func newEmailSender(cfg EmailConfig, sanitizer security.ContentSanitizerService, timeout time.Duration) *emailSender {
	s := &emailSender{cfg: cfg, sanitizer: sanitizer, timeout: timeout}
	s.sendMailgun = s.mailgunSend
	s.sendSMTP = s.smtpSend
	return s
}

// Send は新着記事ダイジェストをメールで送信する。targetは宛先アドレス。
func (s *emailSender) Send(ctx context.Context, target, _ string, env *Envelope) Outcome {
	subject := fmt.Sprintf("【%s】新着記事 %d件", env.Source.Name, env.Data.Count)
	body := s.buildHTMLBody(env)

	var err error
	if s.cfg.Provider == "mailgun" {
		err = s.sendMailgun(ctx, target, subject, body)
	} else {
		err = s.sendSMTP(target, subject, body)
	}
	if err != nil {
		return Outcome{Success: false, Message: redactedFailure(model.PlatformEmail, "send_failed")}
	}
	return Outcome{Success: true, StatusCode: http.StatusOK}
}

// buildHTMLBody はサニタイズ済みのHTML本文を生成する。
// 記事タイトルは信頼できない入力のためエスケープし、本文全体を
// 許可リストポリシーで再度サニタイズする。
func (s *emailSender) buildHTMLBody(env *Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>%sに%d件の新着記事があります。</p>\n<ul>\n",
		html.EscapeString(env.Source.Name), env.Data.Count)
	for _, item := range env.Data.ItemsNew {
		fmt.Fprintf(&b, `<li><a href="%s">%s</a>`,
			html.EscapeString(item.URL), html.EscapeString(item.Title))
		if item.SourceName != "" {
			fmt.Fprintf(&b, " <em>(%s)</em>", html.EscapeString(item.SourceName))
		}
		b.WriteString("</li>\n")
	}
	b.WriteString("</ul>\n")
	return s.sanitizer.Sanitize(b.String())
}

// mailgunSend はMailgun APIでHTMLメールを送信する。
func (s *emailSender) mailgunSend(ctx context.Context, recipient, subject, htmlBody string) error {
	mg := mailgun.NewMailgun(s.cfg.MailgunDomain, s.cfg.MailgunAPIKey)

	message := mg.NewMessage(s.cfg.From, subject, "", recipient)
	message.SetHtml(htmlBody)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, _, err := mg.Send(ctx, message)
	return err
}

// smtpSend はSMTPでHTMLメールを送信する。
func (s *emailSender) smtpSend(recipient, subject, htmlBody string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	return smtp.SendMail(addr, auth, s.cfg.From, []string{recipient}, []byte(msg.String()))
}
