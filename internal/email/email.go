package email

import (
	"fmt"
	"net/smtp"

	"github.com/ramanand00/Nuvyra-x/internal/config"
)

// Sender 抽象验证码邮件的发送方式，便于在测试中替换成假实现。
type Sender interface {
	SendVerificationCode(to, code string) error
}

// SMTPSender 通过普通 SMTP 发送纯文本验证码邮件。
type SMTPSender struct {
	host string
	port string
	user string
	pass string
	from string
}

func NewSMTPSender(cfg config.Config) *SMTPSender {
	return &SMTPSender{
		host: cfg.SMTPHost,
		port: cfg.SMTPPort,
		user: cfg.SMTPUser,
		pass: cfg.SMTPPass,
		from: cfg.EmailFrom,
	}
}

func (s *SMTPSender) SendVerificationCode(to, code string) error {
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Verify your email for Nuvyra\r\n\r\nYour verification code is: %s\r\nThis code will expire in 10 minutes.\r\n", s.from, to, code)
	var a smtp.Auth
	if s.user != "" {
		a = smtp.PlainAuth("", s.user, s.pass, s.host)
	}
	return smtp.SendMail(s.host+":"+s.port, a, s.from, []string{to}, []byte(body))
}
