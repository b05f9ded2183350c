// Command streammux is a small demonstration of the stream layer: an echo
// server, a client driving one stream with backpressure, and a loopback
// mode running both ends over an in-process pipe.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"example.com/streammux/v2/internal/config"
	"example.com/streammux/v2/internal/logger"
	"example.com/streammux/v2/internal/socket"
	"example.com/streammux/v2/internal/stream"
)

func main() {
	app := &cli.App{
		Name:  "streammux",
		Usage: "multiplexed, flow-controlled message streams over one connection",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "accept one connection and echo every stream message",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: ":7320", Usage: "listen address"},
				},
				Action: runServe,
			},
			{
				Name:  "client",
				Usage: "connect, create a stream and write messages",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7320", Usage: "server address"},
					&cli.IntFlag{Name: "count", Value: 100, Usage: "messages to write"},
					&cli.IntFlag{Name: "size", Value: 1024, Usage: "message size in bytes"},
				},
				Action: runClient,
			},
			{
				Name:  "loopback",
				Usage: "run server and client over an in-process pipe",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Value: 100, Usage: "messages to write"},
					&cli.IntFlag{Name: "size", Value: 1024, Usage: "message size in bytes"},
				},
				Action: runLoopback,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (zerolog.Logger, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return zerolog.Nop(), err
		}
		cfg = loaded
	}
	if err := stream.SetMaxSegmentSize(cfg.Stream.WriteMaxSegmentSize); err != nil {
		return zerolog.Nop(), err
	}
	if err := stream.SetSocketMaxUnconsumedBytes(cfg.Stream.SocketMaxUnconsumedBytes); err != nil {
		return zerolog.Nop(), err
	}
	log, _, err := logger.New(&cfg.Logging)
	if err != nil {
		return zerolog.Nop(), err
	}
	stream.SetLogger(log)
	return log, nil
}

// echoHandler writes every received message back on the same stream.
type echoHandler struct {
	log zerolog.Logger
}

func (h *echoHandler) OnReceivedMessages(id stream.StreamId, msgs [][]byte) {
	for _, msg := range msgs {
		// The handler owns msg only for the duration of the call; copy
		// before handing it to the write path.
		out := make([]byte, len(msg))
		copy(out, msg)
		for {
			err := stream.StreamWrite(id, out, nil)
			if stream.CodeOf(err) == stream.ErrCodeWouldBlock {
				if ec := stream.StreamWait(id, time.Time{}); ec != stream.ErrCodeOK {
					return
				}
				continue
			}
			if err != nil {
				h.log.Warn().Err(err).Msg("echo write failed")
			}
			break
		}
	}
}

func (h *echoHandler) OnIdleTimeout(id stream.StreamId) {
	h.log.Info().Uint64("stream_id", uint64(id)).Msg("stream idle")
}

func (h *echoHandler) OnFailed(id stream.StreamId, code stream.ErrorCode, text string) {
	h.log.Warn().Uint64("stream_id", uint64(id)).Stringer("code", code).Str("reason", text).Msg("stream failed")
}

func (h *echoHandler) OnClosed(id stream.StreamId) {
	h.log.Info().Uint64("stream_id", uint64(id)).Msg("stream closed")
}

// clientHandler counts echoed bytes and signals completion.
type clientHandler struct {
	log      zerolog.Logger
	expected int64
	received int64
	done     chan struct{}
	closed   chan struct{}
}

func (h *clientHandler) OnReceivedMessages(id stream.StreamId, msgs [][]byte) {
	for _, msg := range msgs {
		h.received += int64(len(msg))
	}
	if h.received >= h.expected {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
}

func (h *clientHandler) OnIdleTimeout(id stream.StreamId) {}

func (h *clientHandler) OnFailed(id stream.StreamId, code stream.ErrorCode, text string) {
	h.log.Warn().Uint64("stream_id", uint64(id)).Stringer("code", code).Str("reason", text).Msg("stream failed")
}

func (h *clientHandler) OnClosed(id stream.StreamId) {
	close(h.closed)
}

// serveConn runs the server side of one connection: accept the stream
// described by the client's settings record, answer with our own, send the
// RPC-response payload the client expects first, then pump frames.
func serveConn(ctx context.Context, conn net.Conn, log zerolog.Logger) error {
	clientSettings, err := socket.ReadSettings(conn)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}

	opts := stream.DefaultStreamOptions()
	opts.Handler = &echoHandler{log: log}
	cntl := &stream.Controller{RemoteStreamSettings: clientSettings}
	ids, err := stream.StreamAccept(cntl, &opts)
	if err != nil {
		return err
	}

	settings, err := stream.SettingsOf(ids[0])
	if err != nil {
		return err
	}
	if err := socket.WriteSettings(conn, &settings); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	sock := socket.New(conn, log)
	defer sock.Close()
	for _, id := range ids {
		if err := stream.AttachHostSocket(id, sock); err != nil {
			return err
		}
		if err := stream.SetConnected(id, nil); err != nil {
			return err
		}
	}

	// The first payload on the client side is the tail of the RPC response
	// that established the stream.
	if err := stream.StreamWrite(ids[0], []byte("accepted"), nil); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(sock.Serve)
	return g.Wait()
}

func runServe(c *cli.Context) error {
	log, err := setup(c)
	if err != nil {
		return err
	}
	addr := c.String("addr")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", addr).Msg("listening")

	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	log.Info().Stringer("peer", conn.RemoteAddr()).Msg("connection accepted")
	return serveConn(c.Context, conn, log)
}

// runClientConn drives one stream over conn: handshake, then count writes
// of size bytes each, honoring window backpressure, and waits for the
// echoes to come back.
func runClientConn(ctx context.Context, conn net.Conn, log zerolog.Logger, count, size int) error {
	handler := &clientHandler{
		log:      log,
		expected: int64(count) * int64(size),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	opts := stream.DefaultStreamOptions()
	opts.Handler = handler

	cntl := &stream.Controller{
		OnRPCResponse: func(id stream.StreamId, payload []byte) error {
			log.Debug().Uint64("stream_id", uint64(id)).Str("response", string(payload)).Msg("rpc response")
			return nil
		},
	}
	ids, err := stream.StreamCreate(cntl, 1, &opts)
	if err != nil {
		return err
	}
	id := ids[0]

	settings, err := stream.SettingsOf(id)
	if err != nil {
		return err
	}
	if err := socket.WriteSettings(conn, &settings); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}
	serverSettings, err := socket.ReadSettings(conn)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}

	sock := socket.New(conn, log)
	defer sock.Close()
	if err := stream.AttachHostSocket(id, sock); err != nil {
		return err
	}
	if err := stream.SetConnected(id, serverSettings); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(sock.Serve)
	g.Go(func() error {
		payload := make([]byte, size)
		start := time.Now()
		for i := 0; i < count; i++ {
			for {
				err := stream.StreamWrite(id, payload, nil)
				if stream.CodeOf(err) == stream.ErrCodeWouldBlock {
					if ec := stream.StreamWait(id, time.Now().Add(10*time.Second)); ec != stream.ErrCodeOK {
						return fmt.Errorf("wait for writable: %s", ec)
					}
					continue
				}
				if err != nil {
					return err
				}
				break
			}
		}
		select {
		case <-handler.done:
		case <-time.After(30 * time.Second):
			return fmt.Errorf("timed out waiting for echoes")
		}
		log.Info().
			Int("messages", count).
			Int64("bytes", handler.received).
			Dur("elapsed", time.Since(start)).
			Msg("all echoes received")
		stream.StreamClose(id)
		<-handler.closed
		return sock.Close()
	})
	return g.Wait()
}

func runClient(c *cli.Context) error {
	log, err := setup(c)
	if err != nil {
		return err
	}
	conn, err := net.Dial("tcp", c.String("addr"))
	if err != nil {
		return err
	}
	return runClientConn(c.Context, conn, log, c.Int("count"), c.Int("size"))
}

func runLoopback(c *cli.Context) error {
	log, err := setup(c)
	if err != nil {
		return err
	}
	serverConn, clientConn := net.Pipe()
	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error { return serveConn(ctx, serverConn, log) })
	g.Go(func() error { return runClientConn(ctx, clientConn, log, c.Int("count"), c.Int("size")) })
	return g.Wait()
}
