package opcua

// Error is a supervisor-visible failure token. The wire protocol carries the
// bare token in errorTxt, so the kinds are flat strings with no hierarchy.
type Error string

const (
	ErrDeviceIdNotFound       Error = "DeviceIdNotFound"
	ErrTagNotFound            Error = "TagNotFound"
	ErrTagNotWriteable        Error = "TagNotWriteable"
	ErrConfigError            Error = "ConfigError"
	ErrEmptySession           Error = "EmptySession"
	ErrWriteFail              Error = "WriteFail"
	ErrOpcReject              Error = "OpcReject"
	ErrHostClose              Error = "HostClose"
	ErrSubscriptionTerminated Error = "SubscriptionTerminated"
	ErrRestartOnChangeParams  Error = "RestartOnChangeParams"
)

func (e Error) Error() string { return string(e) }
