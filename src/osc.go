package spatialengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"

	"github.com/charmbracelet/log"
)

// errOSCMalformed marks a packet that failed to decode as a minimal OSC 1.0
// message; the listener logs and drops these rather than treating them as
// fatal (§5: the control channel is UDP and best-effort).
var errOSCMalformed = errors.New("malformed osc message")

// decodeOSCFloat32Message parses the minimal subset of OSC 1.0 this engine's
// control channel actually needs: a single message with an OSC-string
// address, a ",f" type tag, and one big-endian float32 argument. Bundles and
// every other argument type are rejected as malformed.
func decodeOSCFloat32Message(packet []byte) (address string, value float32, err error) {
	address, rest, err := readOSCString(packet)
	if err != nil {
		return "", 0, fmt.Errorf("%w: address: %v", errOSCMalformed, err)
	}
	if len(address) == 0 || address[0] != '/' {
		return "", 0, fmt.Errorf("%w: address %q missing leading '/'", errOSCMalformed, address)
	}

	tags, rest, err := readOSCString(rest)
	if err != nil {
		return "", 0, fmt.Errorf("%w: type tag: %v", errOSCMalformed, err)
	}
	if tags != ",f" {
		return "", 0, fmt.Errorf("%w: expected type tag \",f\", got %q", errOSCMalformed, tags)
	}

	if len(rest) < 4 {
		return "", 0, fmt.Errorf("%w: truncated float32 argument", errOSCMalformed)
	}
	bits := binary.BigEndian.Uint32(rest[:4])
	return address, math.Float32frombits(bits), nil
}

// readOSCString reads one OSC string: ASCII bytes up to (and stripping) a
// NUL terminator, followed by padding to the next 4-byte boundary. Returns
// the string and the remainder of buf positioned just past the padding.
func readOSCString(buf []byte) (string, []byte, error) {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	if n == len(buf) {
		return "", nil, fmt.Errorf("unterminated osc string")
	}

	s := string(buf[:n])
	padded := (n + 1 + 3) &^ 3
	if padded > len(buf) {
		return "", nil, fmt.Errorf("osc string padding overruns buffer")
	}
	return s, buf[padded:], nil
}

// ParameterServer is the control-listener thread (§5, §6): a UDP socket
// bound to 127.0.0.1:oscPort that decodes incoming OSC float32 messages at
// the /realtime/* addresses and applies them to a ControlState. It may
// block and allocate freely; it never touches the audio thread's buffers.
type ParameterServer struct {
	conn    *net.UDPConn
	state   *ControlState
	logger  *log.Logger
	done    chan struct{}
	stopped chan struct{}
}

// NewParameterServer binds the control-channel UDP socket. Per §6's
// OSC-startup ordering contract, the caller must print the stdout sentinel
// line only after this returns successfully.
func NewParameterServer(port int, state *ControlState, logger *log.Logger) (*ParameterServer, error) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: binding control port %d: %v", ErrDevice, port, err)
	}

	return &ParameterServer{
		conn:    conn,
		state:   state,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Addr reports the bound socket's address, used to build the sentinel line.
func (p *ParameterServer) Addr() net.Addr { return p.conn.LocalAddr() }

// SentinelLine returns the exact stdout line external launchers wait on
// before sending any control messages (§6).
func (p *ParameterServer) SentinelLine() string {
	return "ParameterServer listening on 127.0.0.1:" + strconv.Itoa(p.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Serve runs the receive loop until Stop is called. Intended to run on its
// own goroutine, the control-listener thread of §1.
func (p *ParameterServer) Serve() {
	defer close(p.stopped)

	buf := make([]byte, 1500)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			if p.logger != nil {
				p.logger.Warn("control socket read error", "err", err)
			}
			continue
		}

		p.handlePacket(buf[:n])
	}
}

func (p *ParameterServer) handlePacket(packet []byte) {
	address, value, err := decodeOSCFloat32Message(packet)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("dropping malformed osc packet", "err", err)
		}
		return
	}

	v := float64(value)
	switch address {
	case "/realtime/gain":
		p.state.SetMasterGain(v)
	case "/realtime/focus":
		p.state.SetFocus(v)
	case "/realtime/speaker_mix_db":
		p.state.SetLoudspeakerMix(DBToLinear(v))
	case "/realtime/sub_mix_db":
		p.state.SetSubMix(DBToLinear(v))
	case "/realtime/auto_comp":
		p.state.SetFocusAutoCompensation(v != 0)
	case "/realtime/paused":
		p.state.SetPaused(v != 0)
	case "/realtime/elevation_mode":
		p.state.SetElevationMode(ElevationMode(int32(v)))
	default:
		if p.logger != nil {
			p.logger.Warn("unrecognized osc address", "address", address)
		}
	}
}

// Stop closes the socket and waits for Serve to return.
func (p *ParameterServer) Stop() {
	close(p.done)
	p.conn.Close()
	<-p.stopped
}
