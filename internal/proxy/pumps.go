package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"scopegate/internal/config"
	"scopegate/internal/metrics"
	"scopegate/internal/ws"

	"github.com/gorilla/websocket"
)

const controlWriteTimeout = 5 * time.Second

// recordMessage counts one relayed message against the outcome of writing it.
func recordMessage(sc metrics.Scoped, err error) {
	if err != nil {
		sc.MessageStatus(metrics.StatusError).Inc()
		return
	}
	sc.MessageStatus(metrics.StatusSuccess).Inc()
}

// recordQuery counts a client data message delivered to the backend. Queries
// are also messages.
func recordQuery(sc metrics.Scoped, err error) {
	recordMessage(sc, err)
	if err != nil {
		sc.QueryStatus(metrics.StatusError).Inc()
		return
	}
	sc.QueryStatus(metrics.StatusSuccess).Inc()
}

func dropOversizeQuery(s io.Writer, sc metrics.Scoped) error {
	sc.Traffic.OversizeDrops(metrics.DropMessage).Inc()
	recordQuery(sc, ws.ErrMessageTooBig)
	_ = ws.WriteCloseFrame(s, 1009, "message too big")
	return ws.ErrMessageTooBig
}

func pumpH3ToBackend(ctx context.Context, s io.ReadWriter, bws *websocket.Conn, lim config.Limits, sc metrics.Scoped) error {
	br := bufio.NewReader(s)

	var (
		assembling   bool
		assemOpcode  byte
		assemPayload []byte
	)

	flushMessage := func(op byte, msg []byte) error {
		mt := websocket.TextMessage
		if op == ws.OpBinary {
			mt = websocket.BinaryMessage
		}
		err := bws.SetWriteDeadline(time.Now().Add(lim.WriteTimeout))
		if err == nil {
			err = bws.WriteMessage(mt, msg)
		}
		recordQuery(sc, err)
		if err != nil {
			return err
		}
		sc.Traffic.Bytes(metrics.DirH3ToH1).Add(float64(len(msg)))
		return nil
	}

	protocolError := func(msg string) error {
		recordMessage(sc, ws.ErrProtocol)
		_ = ws.WriteCloseFrame(s, 1002, msg)
		return fmt.Errorf("%w: %s", ws.ErrProtocol, msg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := ws.ReadFrame(br, lim.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ws.ErrFrameTooLarge) {
				sc.Traffic.OversizeDrops(metrics.DropFrame).Inc()
				recordMessage(sc, err)
				_ = ws.WriteCloseFrame(s, 1009, "frame too large")
			}
			return err
		}
		if ws.IsControl(f.Opcode) && !f.Fin {
			return protocolError("fragmented control frame")
		}

		switch f.Opcode {
		case ws.OpText, ws.OpBinary:
			if assembling {
				return protocolError("new data frame while assembling")
			}
			if f.Fin {
				if int64(len(f.Payload)) > lim.MaxMessageSize {
					return dropOversizeQuery(s, sc)
				}
				if err := flushMessage(f.Opcode, f.Payload); err != nil {
					return err
				}
				continue
			}
			assembling = true
			assemOpcode = f.Opcode
			assemPayload = append(assemPayload[:0], f.Payload...)
			if int64(len(assemPayload)) > lim.MaxMessageSize {
				return dropOversizeQuery(s, sc)
			}

		case ws.OpCont:
			if !assembling {
				return protocolError("continuation without start")
			}
			assemPayload = append(assemPayload, f.Payload...)
			if int64(len(assemPayload)) > lim.MaxMessageSize {
				return dropOversizeQuery(s, sc)
			}
			if f.Fin {
				msg := make([]byte, len(assemPayload))
				copy(msg, assemPayload)
				assembling = false
				assemPayload = assemPayload[:0]
				if err := flushMessage(assemOpcode, msg); err != nil {
					return err
				}
			}

		case ws.OpPing:
			// The backend answers; its pong is relayed by pumpBackendToH3.
			sc.Traffic.ControlFrames(metrics.CtrlPing).Inc()
			err := bws.WriteControl(websocket.PingMessage, f.Payload, time.Now().Add(controlWriteTimeout))
			recordMessage(sc, err)
			if err != nil {
				return err
			}

		case ws.OpPong:
			sc.Traffic.ControlFrames(metrics.CtrlPong).Inc()
			recordMessage(sc, bws.WriteControl(websocket.PongMessage, f.Payload, time.Now().Add(controlWriteTimeout)))

		case ws.OpClose:
			sc.Traffic.ControlFrames(metrics.CtrlClose).Inc()
			code, reason := ws.ParseClosePayload(f.Payload)
			recordMessage(sc, bws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWriteTimeout)))
			_ = ws.WriteCloseFrame(s, uint16(code), reason)
			return io.EOF

		default:
			return protocolError(fmt.Sprintf("unknown opcode %#x", f.Opcode))
		}
	}
}

func pumpBackendToH3(ctx context.Context, bws *websocket.Conn, s io.Writer, lim config.Limits, sc metrics.Scoped) error {
	// The client answers backend pings; its pong is relayed by pumpH3ToBackend.
	bws.SetPingHandler(func(appData string) error {
		sc.Traffic.ControlFrames(metrics.CtrlPing).Inc()
		err := ws.WriteControlFrame(s, ws.OpPing, []byte(appData))
		recordMessage(sc, err)
		return err
	})
	bws.SetPongHandler(func(appData string) error {
		sc.Traffic.ControlFrames(metrics.CtrlPong).Inc()
		recordMessage(sc, ws.WriteControlFrame(s, ws.OpPong, []byte(appData)))
		return nil
	})
	bws.SetCloseHandler(func(code int, text string) error {
		sc.Traffic.ControlFrames(metrics.CtrlClose).Inc()
		recordMessage(sc, ws.WriteCloseFrame(s, uint16(code), text))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := bws.SetReadDeadline(time.Now().Add(lim.ReadTimeout)); err != nil {
			return err
		}
		mt, data, err := bws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure:
				// close handler already forwarded the frame
			case errors.Is(err, websocket.ErrReadLimit):
				sc.Traffic.OversizeDrops(metrics.DropMessage).Inc()
				recordMessage(sc, err)
				_ = ws.WriteCloseFrame(s, 1009, "message too big")
			default:
				_ = ws.WriteCloseFrame(s, 1011, "backend read error")
			}
			return err
		}

		if int64(len(data)) > lim.MaxMessageSize {
			sc.Traffic.OversizeDrops(metrics.DropMessage).Inc()
			recordMessage(sc, ws.ErrMessageTooBig)
			_ = ws.WriteCloseFrame(s, 1009, "message too big")
			return fmt.Errorf("backend: %w", ws.ErrMessageTooBig)
		}

		var op byte
		switch mt {
		case websocket.TextMessage:
			op = ws.OpText
		case websocket.BinaryMessage:
			op = ws.OpBinary
		default:
			continue
		}

		err = ws.WriteDataFrame(s, op, data, false, lim.MaxFrameSize)
		recordMessage(sc, err)
		if err != nil {
			return err
		}
		sc.Traffic.Bytes(metrics.DirH1ToH3).Add(float64(len(data)))
	}
}
