package trigger

import (
	"net"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
)

// ListenAddrEnv overrides the HTTP listen address.
const ListenAddrEnv = "SPIN_HTTP_LISTEN_ADDR"

// DefaultListenAddr is used when neither the environment nor the shim
// configuration supplies an address.
const DefaultListenAddr = "0.0.0.0:80"

// ArgsEnv is what argument factories may consult.
type ArgsEnv struct {
	Getenv          func(string) string
	DefaultHTTPAddr string
	GuestArgs       []string
}

func (e ArgsEnv) getenv(key string) string {
	if e.Getenv == nil {
		return ""
	}
	return e.Getenv(key)
}

// ArgsFunc produces an executor's startup arguments.
type ArgsFunc func(env ArgsEnv) (any, error)

// HTTPArgs are the HTTP executor's arguments. TLS material is never set
// from the environment.
type HTTPArgs struct {
	Address *net.TCPAddr
	TLSCert string
	TLSKey  string
}

// NoArgs is passed to executors that take no arguments.
type NoArgs struct{}

// CommandArgs carries the container's arguments to the guest.
type CommandArgs struct {
	GuestArgs []string
}

// MQTTArgs selects test mode, which runs every component once and exits.
type MQTTArgs struct {
	Test bool
}

// HTTPArgsFrom resolves the listen address from SPIN_HTTP_LISTEN_ADDR, the
// configured default or DefaultListenAddr, in that order.
func HTTPArgsFrom(env ArgsEnv) (any, error) {
	addr := env.getenv(ListenAddrEnv)
	if addr == "" {
		addr = env.DefaultHTTPAddr
	}
	if addr == "" {
		addr = DefaultListenAddr
	}
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.New(errors.PhaseTriggerBuild, errors.KindInvalidAddress).
			Subject(addr).
			Detail("invalid HTTP listen address").
			Cause(err).
			Build()
	}
	return HTTPArgs{Address: tcp}, nil
}

// NoArgsFrom is the factory for Redis and SQS.
func NoArgsFrom(ArgsEnv) (any, error) {
	return NoArgs{}, nil
}

// CommandArgsFrom forwards the container arguments.
func CommandArgsFrom(env ArgsEnv) (any, error) {
	return CommandArgs{GuestArgs: append([]string(nil), env.GuestArgs...)}, nil
}

// MQTTArgsFrom always selects normal operation.
func MQTTArgsFrom(ArgsEnv) (any, error) {
	return MQTTArgs{Test: false}, nil
}

// ArgsFor returns the standard factory of a kind.
func ArgsFor(k Kind) ArgsFunc {
	switch k {
	case HTTP:
		return HTTPArgsFrom
	case Command:
		return CommandArgsFrom
	case MQTT:
		return MQTTArgsFrom
	default:
		return NoArgsFrom
	}
}
