package at

import (
	"fmt"
	"strings"
)

// Dial places a voice call. The trailing semicolon keeps the modem in
// command mode so that tones can be sent once the call connects.
func Dial(number string) string {
	return fmt.Sprintf("ATD%s;", number)
}

// DTMF transmits digits as in-band tones, e.g. DTMF("101") is AT+VTS="1,0,1".
func DTMF(digits string) string {
	return fmt.Sprintf(`AT+VTS="%s"`, strings.Join(strings.Split(digits, ""), ","))
}

func SendSMS(recipient string) string {
	return fmt.Sprintf(`AT+CMGS="%s"`, recipient)
}

func ReadSMS(index int) string {
	return fmt.Sprintf("AT+CMGR=%d", index)
}

func DeleteSMS(index int) string {
	return fmt.Sprintf("AT+CMGD=%d", index)
}

func ReadPhonebook(index int) string {
	return fmt.Sprintf("AT+CPBR=%d", index)
}

func EnterPIN(pin string) string {
	return fmt.Sprintf(`AT+CPIN="%s"`, pin)
}
