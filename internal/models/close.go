package models

// Websocket close codes used by the server. Codes in the 4000-4999 range are
// application defined; clients use them to decide whether to reconnect.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseUnauthorized     = 4401
	CloseKicked           = 4403
	CloseHeartbeatTimeout = 4408
	CloseCapacity         = 4429
)

// CloseError classifies a close code into the error taxonomy.
// Normal closures return nil.
func CloseError(code int, reason string) error {
	switch code {
	case CloseNormal, CloseGoingAway:
		return nil
	case CloseUnauthorized:
		return NewError(CodeAuthentication, reason, nil)
	case CloseKicked:
		return NewError(CodeAuthorization, reason, nil)
	case CloseCapacity:
		return NewError(CodeCapacity, reason, nil)
	default:
		return NewError(CodeTransport, reason, nil)
	}
}
