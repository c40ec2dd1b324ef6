package sdk

// Subscription identifies one handler registration. It is the only way to
// revoke that registration.
type Subscription struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// Valid reports whether the handle was issued by a subscribe call.
func (s Subscription) Valid() bool { return s.ID != "" }
