package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnrecognizedCommand is returned by a Decoder for a command tag which is
// not valid in the decoder's direction. The offending command has been
// consumed and the stream may be decoded further.
var ErrUnrecognizedCommand = errors.New("unrecognized command")

// Kind is the single byte tag identifying a control channel command.
type Kind byte

const (
	// KindListen requests (process to relay) or acknowledges (relay to process)
	// opening of the public listener.
	KindListen Kind = 'l'
	// KindConnect announces a newly accepted external client and its Token.
	KindConnect Kind = 'c'
	// KindPing is a keepalive probe carrying a discardable payload.
	KindPing Kind = 'n'
	// KindExit terminates the control connection.
	KindExit Kind = 'e'
	// KindDisconnect announces the teardown of the session identified by Token.
	KindDisconnect Kind = 'd'
)

func (k Kind) String() string {
	switch k {
	case KindListen:
		return "listen"
	case KindConnect:
		return "connect"
	case KindPing:
		return "ping"
	case KindExit:
		return "exit"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// hasToken reports whether the kind is followed by TokenLength bytes.
func (k Kind) hasToken() bool {
	return k == KindConnect || k == KindDisconnect || k == KindPing
}

// Direction identifies which end of the control channel is decoding.
type Direction uint8

const (
	// ToRelay decodes commands sent by the hidden process.
	ToRelay Direction = iota
	// ToProcess decodes commands sent by the relay.
	ToProcess
)

func (d Direction) accepts(k Kind) bool {
	switch d {
	case ToRelay:
		return k == KindListen || k == KindPing || k == KindExit
	case ToProcess:
		return k == KindListen || k == KindConnect || k == KindDisconnect
	}

	return false
}

// Command is one control channel message.
// Token identifies the session for KindConnect and KindDisconnect and holds
// the probe payload for KindPing.
type Command struct {
	Kind  Kind
	Token Token
}

type Encoder interface {
	// Encode writes cmd to the underlying writer in a single Write call.
	Encode(cmd Command) error
}

type Decoder interface {
	Decode() (Command, error)
	Close()
}

// Codec frames control channel commands.
type Codec interface {
	Name() string
	NewEncoder(io.Writer) Encoder
	NewDecoder(io.Reader, Direction) Decoder
}

var (
	// Legacy is the unframed single byte tag format understood by existing
	// hidden process implementations.
	Legacy Codec = legacyCodec{}
	// Msgpack frames every command as a self-delimiting msgpack map so that
	// unknown commands and values which are not command maps are skipped whole.
	Msgpack Codec = msgpackCodec{}
)

// CodecFor returns the Codec registered under name.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", Legacy.Name():
		return Legacy, nil
	case Msgpack.Name():
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", name)
	}
}

type legacyCodec struct{}

func (legacyCodec) Name() string { return "legacy" }

func (legacyCodec) NewEncoder(w io.Writer) Encoder {
	return legacyEncoder{w}
}

func (legacyCodec) NewDecoder(r io.Reader, dir Direction) Decoder {
	return &legacyDecoder{r: bufio.NewReader(r), dir: dir}
}

type legacyEncoder struct {
	w io.Writer
}

func (e legacyEncoder) Encode(cmd Command) error {
	buf := []byte{byte(cmd.Kind)}
	if cmd.Kind.hasToken() {
		buf = append(buf, cmd.Token[:]...)
	}

	_, err := e.w.Write(buf)
	return err
}

type legacyDecoder struct {
	r   *bufio.Reader
	dir Direction
}

func (d *legacyDecoder) Decode() (Command, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		return Command{}, err
	}

	cmd := Command{Kind: Kind(tag)}
	if !d.dir.accepts(cmd.Kind) {
		// without framing the only way forward is the next byte
		return cmd, fmt.Errorf("%w: %s", ErrUnrecognizedCommand, cmd.Kind)
	}

	if cmd.Kind.hasToken() {
		if _, err := io.ReadFull(d.r, cmd.Token[:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return cmd, fmt.Errorf("reading %s payload: %w", cmd.Kind, err)
		}
	}

	return cmd, nil
}

func (d *legacyDecoder) Close() {}

type frame struct {
	Kind  byte   `msgpack:"kind"`
	Token []byte `msgpack:"token,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) NewEncoder(w io.Writer) Encoder {
	return msgpackEncoder{w}
}

func (msgpackCodec) NewDecoder(r io.Reader, dir Direction) Decoder {
	dec := msgpack.GetDecoder()
	dec.Reset(r)
	return &msgpackDecoder{dec: dec, dir: dir}
}

type msgpackEncoder struct {
	w io.Writer
}

func (e msgpackEncoder) Encode(cmd Command) error {
	f := frame{Kind: byte(cmd.Kind)}
	if cmd.Kind.hasToken() {
		f.Token = cmd.Token[:]
	}

	buf, err := msgpack.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", cmd.Kind, err)
	}

	_, err = e.w.Write(buf)
	return err
}

type msgpackDecoder struct {
	dec *msgpack.Decoder
	dir Direction
}

func (d *msgpackDecoder) Decode() (Command, error) {
	// a whole value is consumed first so a malformed frame never desynchronizes the stream
	raw, err := d.dec.DecodeRaw()
	if err != nil {
		return Command{}, err
	}

	var f frame
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrUnrecognizedCommand, err)
	}

	cmd := Command{Kind: Kind(f.Kind)}
	if !d.dir.accepts(cmd.Kind) {
		return cmd, fmt.Errorf("%w: %s", ErrUnrecognizedCommand, cmd.Kind)
	}

	if cmd.Kind.hasToken() {
		if len(f.Token) != TokenLength {
			return cmd, fmt.Errorf("%w: %s carries %d byte token", ErrUnrecognizedCommand, cmd.Kind, len(f.Token))
		}

		copy(cmd.Token[:], f.Token)
	}

	return cmd, nil
}

func (d *msgpackDecoder) Close() {
	msgpack.PutDecoder(d.dec)
}
