package notify

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

// Mailer отправляет письма через SMTP. Он только транспортирует уже
// сформированное письмо; выбор темы и текста остаётся за вызывающей стороной.
type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewMailer создаёт SMTP отправитель. Для локальной разработки подходит
// MailHog (порт 1025, без аутентификации).
func NewMailer(host string, port int, user, pass, from string) *Mailer {
	return &Mailer{
		dialer: gomail.NewDialer(host, port, user, pass),
		from:   from,
	}
}

// Send отправляет HTML-письмо одному получателю.
func (m *Mailer) Send(to, subject, htmlBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("mailer: не удалось отправить письмо: %w", err)
	}
	return nil
}
