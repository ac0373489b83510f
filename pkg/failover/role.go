package failover

import "fmt"

// Role is the application role this node currently drives. It is never
// persisted; every process starts from RoleUnknown.
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "master":
		*r = RoleMaster
	case "slave":
		*r = RoleSlave
	case "unknown":
		*r = RoleUnknown
	default:
		return fmt.Errorf("invalid role %q", b)
	}
	return nil
}

// Registry tags. Unknown publishes no tag at all so that consumers routing
// on "master" stop sending traffic here.
const (
	TagMaster   = "master"
	TagSlave    = "slave"
	TagDisabled = "disabled"
	TagNone     = ""
)

func (r Role) Tag() string {
	switch r {
	case RoleMaster:
		return TagMaster
	case RoleSlave:
		return TagSlave
	default:
		return TagNone
	}
}
