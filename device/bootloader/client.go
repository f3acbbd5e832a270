package bootloader

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/flashboot/core/codec"
	"github.com/kabili207/flashboot/core/command"
	"github.com/kabili207/flashboot/core/config"
	"github.com/kabili207/flashboot/transport"
)

// DefaultCallTimeout bounds how long a Client waits for a reply.
const DefaultCallTimeout = 2 * time.Second

var (
	ErrTimeout      = errors.New("timed out waiting for reply")
	ErrFlashRefused = errors.New("flash operation refused")
	ErrCRCMismatch  = errors.New("image CRC mismatch")

	// ErrNoReply is returned by the typed helpers when the bootloader
	// answered without a reply value: the request was rejected by the
	// dispatcher or its arguments did not decode.
	ErrNoReply = errors.New("bootloader sent no reply value")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Transport carries requests to the bootloader. Required. The client
	// installs itself as its datagram handler.
	Transport transport.Transport

	// Version stamped on requests. Default: command.CommandSetVersion.
	Version uint8

	// Timeout per request. Default: DefaultCallTimeout.
	Timeout time.Duration

	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Client is the host side of the protocol. It sends one request at a time and
// waits for the matching reply.
type Client struct {
	cfg     ClientConfig
	log     *slog.Logger
	mu      sync.Mutex
	replies chan []byte
}

// NewClient creates a client on top of cfg.Transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Version == 0 {
		cfg.Version = command.CommandSetVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		log:     logger.WithGroup("client"),
		replies: make(chan []byte, 1),
	}
	cfg.Transport.SetDatagramHandler(c.handleReply)
	return c
}

func (c *Client) handleReply(data []byte, _ transport.DatagramSource) {
	reply := append([]byte(nil), data...)
	select {
	case c.replies <- reply:
	default:
		c.log.Debug("dropping unexpected reply", "len", len(data))
	}
}

// Call sends request and returns the reply payload, which is empty for
// commands without a reply value and for requests the bootloader rejected.
// A reply stamped with another command set version fails with
// command.ErrInvalidCommandSetVersion.
//
// Replies carry no request identifier. A reply to a timed-out call that is
// still in flight when the next call is sent is taken as that call's reply;
// callers that retry after ErrTimeout should ping first.
func (c *Client) Call(ctx context.Context, request []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Discard a late reply to an earlier, timed-out call.
	select {
	case <-c.replies:
	default:
	}

	if err := c.cfg.Transport.SendDatagram(codec.EncodeDatagram(c.cfg.Version, request)); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case envelope := <-c.replies:
		version, payload, err := ParseReply(envelope)
		if err != nil {
			return nil, err
		}
		if version != c.cfg.Version {
			return nil, fmt.Errorf("%w: device speaks %d, client %d",
				command.ErrInvalidCommandSetVersion, version, c.cfg.Version)
		}
		return payload, nil
	}
}

// callValue is Call for commands that always reply a value.
func (c *Client) callValue(ctx context.Context, request []byte) ([]byte, error) {
	reply, err := c.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, ErrNoReply
	}
	return reply, nil
}

// Send transmits request without waiting for a reply.
func (c *Client) Send(request []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Transport.SendDatagram(codec.EncodeDatagram(c.cfg.Version, request))
}

// Ping checks that the bootloader answers.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.callValue(ctx, command.BuildPing())
	if err != nil {
		return err
	}
	ok, err := command.DecodeBoolReply(reply)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ping replied false", command.ErrUnexpectedReply)
	}
	return nil
}

// Status returns the status register.
func (c *Client) Status(ctx context.Context) (uint8, error) {
	reply, err := c.callValue(ctx, command.BuildGetStatus())
	if err != nil {
		return 0, err
	}
	return command.DecodeStatusReply(reply)
}

// WritePage programs one page and returns an error wrapping ErrFlashRefused
// for any reply other than success.
func (c *Client) WritePage(ctx context.Context, addr uint32, data []byte, deviceClass string) error {
	req, err := command.BuildWriteFlash(addr, data, deviceClass)
	if err != nil {
		return err
	}
	return c.flashCall(ctx, req, addr)
}

// ErasePage erases the page containing addr.
func (c *Client) ErasePage(ctx context.Context, addr uint32, deviceClass string) error {
	req, err := command.BuildEraseFlashPage(addr, deviceClass)
	if err != nil {
		return err
	}
	return c.flashCall(ctx, req, addr)
}

func (c *Client) flashCall(ctx context.Context, req []byte, addr uint32) error {
	reply, err := c.callValue(ctx, req)
	if err != nil {
		return err
	}
	code, err := command.DecodeFlashReply(reply)
	if err != nil {
		return err
	}
	if code != command.FlashSuccess {
		return fmt.Errorf("%w at %#08x: %s", ErrFlashRefused, addr, command.FlashCodeName(code))
	}
	return nil
}

// Read returns length bytes at addr. A nil slice means the bootloader
// refused the range.
func (c *Client) Read(ctx context.Context, addr, length uint32) ([]byte, error) {
	req, err := command.BuildReadFlash(addr, length)
	if err != nil {
		return nil, err
	}
	reply, err := c.callValue(ctx, req)
	if err != nil {
		return nil, err
	}
	return command.DecodeReadReply(reply)
}

// CRC returns the CRC-32 of [addr, addr+length) computed by the bootloader.
func (c *Client) CRC(ctx context.Context, addr, length uint32) (uint32, error) {
	req, err := command.BuildCRCRegion(addr, length)
	if err != nil {
		return 0, err
	}
	reply, err := c.callValue(ctx, req)
	if err != nil {
		return 0, err
	}
	crc, code, err := command.DecodeCRCReply(reply)
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("%w: crc error %d", command.ErrUnexpectedReply, code)
	}
	return crc, nil
}

// Config reads the bootloader configuration.
func (c *Client) Config(ctx context.Context) (*config.Config, error) {
	reply, err := c.callValue(ctx, command.BuildConfigRead())
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := command.DecodeConfigReply(reply, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateConfig applies values to the in-RAM configuration. The command has
// no reply value; the server acknowledges it with an empty payload.
func (c *Client) UpdateConfig(ctx context.Context, values map[string]any) error {
	req, err := command.BuildConfigUpdate(values)
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, req)
	return err
}

// CommitConfig persists the in-RAM configuration.
func (c *Client) CommitConfig(ctx context.Context) error {
	reply, err := c.callValue(ctx, command.BuildConfigWriteToFlash())
	if err != nil {
		return err
	}
	ok, err := command.DecodeBoolReply(reply)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bootloader failed to save its configuration")
	}
	return nil
}

// Jump asks the bootloader to start the application. No reply follows.
func (c *Client) Jump() error {
	return c.Send(command.BuildJumpToApplication())
}

// Flash writes image page by page from addr and checks the bootloader's CRC
// of the written range. pageSize must match the device's page size.
func (c *Client) Flash(ctx context.Context, addr uint32, image []byte, pageSize int, deviceClass string) error {
	if pageSize <= 0 {
		return fmt.Errorf("invalid page size %d", pageSize)
	}
	for off := 0; off < len(image); off += pageSize {
		end := min(off+pageSize, len(image))
		if err := c.WritePage(ctx, addr+uint32(off), image[off:end], deviceClass); err != nil {
			return err
		}
		c.log.Debug("page written", "addr", addr+uint32(off), "len", end-off)
	}

	got, err := c.CRC(ctx, addr, uint32(len(image)))
	if err != nil {
		return err
	}
	if want := crc32.ChecksumIEEE(image); got != want {
		return fmt.Errorf("%w: device %#08x, image %#08x", ErrCRCMismatch, got, want)
	}
	return nil
}
