package session

// Flow is the closed set of states a browser session can be in with
// respect to the authorization machinery. Exactly one of the concrete
// types below is returned by Context.ActiveFlow.
type Flow interface {
	flowName() string
}

// Idle means no flow is pending for the session.
type Idle struct{}

// Signup means the user is completing account creation. Invite carries an
// optional invite token to redeem on completion.
type Signup struct {
	Invite string
}

// AdminLogin means an operator is signing in to the admin surface.
type AdminLogin struct{}

// McpOAuth means an MCP client is waiting for an authorization code. The
// fields are the validated parameters of the pending /authorize request.
type McpOAuth struct {
	ClientID    string
	RedirectURI string
	State       string
}

func (Idle) flowName() string       { return "idle" }
func (Signup) flowName() string     { return "signup" }
func (AdminLogin) flowName() string { return "admin_login" }
func (McpOAuth) flowName() string   { return "mcp_oauth" }
