package lim

import "time"

// Policy is a named fixed-window limit: at most Limit increments per Window,
// the window starting at the identifier's first use.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Per-operation policies. Burst policies pair with their sustained
// counterpart via CheckBurst (short window checked first).
var (
	PolicyLogin         = Policy{Name: "login", Limit: 5, Window: 15 * time.Minute}
	PolicyLoginBurst    = Policy{Name: "login_burst", Limit: 3, Window: time.Minute}
	PolicyRegister      = Policy{Name: "register", Limit: 3, Window: time.Hour}
	PolicyRegisterBurst = Policy{Name: "register_burst", Limit: 2, Window: time.Minute}
	PolicyEmailVerify   = Policy{Name: "email_verify", Limit: 5, Window: time.Hour}
	PolicyCreateSecret  = Policy{Name: "create_secret", Limit: 10, Window: time.Minute}
	PolicyViewSecret    = Policy{Name: "view_secret", Limit: 30, Window: time.Minute}
	PolicyShareSecret   = Policy{Name: "share_secret", Limit: 20, Window: time.Hour}
	PolicyAPI           = Policy{Name: "api", Limit: 100, Window: time.Minute}
	PolicyAPIStrict     = Policy{Name: "api_strict", Limit: 20, Window: time.Minute}
)

// ForUser doubles the limit for the per-user leg of a composite check;
// authenticated callers get the more lenient bound.
func (p Policy) ForUser() Policy {
	p.Limit *= 2
	return p
}
