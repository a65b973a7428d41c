package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	CR     = "\r"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg       = "+CMTI:"
	UrcCall         = "RING"
	UrcCallerID     = "+CLIP:"
	UrcDTMF         = "+DTMF:"
	UrcNetworkTime  = "*PSUTTZ:"
	UrcMoConnected  = "MO CONNECTED"
	UrcCallReady    = "Call Ready"
	UrcSMSReady     = "SMS Ready"
	UrcTimeZone     = "+CTZV:"
	UrcDaylightSave = "DST:"

	// Information response prefixes
	InfoReadSMS   = "+CMGR:"
	InfoSendSMS   = "+CMGS:"
	InfoPhonebook = "+CPBR:"
	InfoClock     = "+CCLK:"
	InfoSimStatus = "+CPIN:"

	// SIM states reported by +CPIN
	SimReady = "READY"
	SimPin   = "SIM PIN"
)

// Commands used by the gateway. Parameterised commands have a matching
// constructor in commands.go.
const (
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdSetTextMode   = "AT+CMGF=1"
	CmdCallerID      = "AT+CLIP=1"
	CmdNewMsgIndex   = "AT+CNMI=2,1,0,0,0"
	CmdLocalTime     = "AT+CLTS=1"
	CmdMoRing        = "AT+MORING=1"
	CmdDTMFDetect    = "AT+DDET=1"
	CmdAnswer        = "ATA"
	CmdHangup        = "ATH"
	CmdClock         = "AT+CCLK?"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}
