package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/notify"
	"github.com/nephroflow/opd-queue/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The display board and patient devices connect from other origins;
		// authorization is the external collaborator's concern.
		return true
	},
}

// SubscribeHandler upgrades observers to websocket streams fed by the hub.
type SubscribeHandler struct {
	svc      *queue.Service
	notifier *notify.Notifier
	log      zerolog.Logger
}

func NewSubscribeHandler(svc *queue.Service, notifier *notify.Notifier, log zerolog.Logger) *SubscribeHandler {
	return &SubscribeHandler{svc: svc, notifier: notifier, log: log}
}

// SubscribeQueue streams whole-day snapshots: staff console and display board.
func (h *SubscribeHandler) SubscribeQueue(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}

	h.serve(w, r, notify.TopicQueue(date), func(ctx context.Context) (notify.Message, error) {
		update, err := h.notifier.CurrentUpdate(ctx, date)
		if err != nil {
			return notify.Message{}, err
		}
		payload, err := json.Marshal(update)
		if err != nil {
			return notify.Message{}, err
		}
		return notify.Message{Version: update.Version, Payload: payload}, nil
	})
}

// SubscribeAppointment streams the single-patient projection.
func (h *SubscribeHandler) SubscribeAppointment(w http.ResponseWriter, r *http.Request) {
	appointmentID, ok := parseAppointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), appointmentID)
	if err != nil {
		handleMutationError(w, err)
		return
	}

	h.serve(w, r, notify.TopicAppointment(appointmentID), func(ctx context.Context) (notify.Message, error) {
		update, err := h.notifier.CurrentUpdate(ctx, appt.Date)
		if err != nil {
			return notify.Message{}, err
		}

		initial := notify.PatientUpdate{
			AppointmentID: appointmentID,
			Version:       update.Version,
			Status:        string(appt.Status),
		}
		for _, pu := range notify.PatientUpdates(update) {
			if pu.AppointmentID == appointmentID {
				initial = pu
				break
			}
		}

		payload, err := json.Marshal(initial)
		if err != nil {
			return notify.Message{}, err
		}
		return notify.Message{Version: update.Version, Payload: payload}, nil
	})
}

// serve upgrades the connection and registers the observer BEFORE reading the
// initial snapshot: a mutation committing during attach is then either inside
// the snapshot or queued behind it, never lost. The write pump drops anything
// not newer than the snapshot it already delivered.
func (h *SubscribeHandler) serve(w http.ResponseWriter, r *http.Request, topic string, initial func(context.Context) (notify.Message, error)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return
	}

	client := notify.NewClient(topic)
	h.notifier.Hub().Register(client)

	first, err := initial(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("initial snapshot failed")
		h.notifier.Hub().Unregister(client)
		conn.Close()
		return
	}

	go h.writePump(client, conn, first)
	h.readPump(client, conn)
}

func (h *SubscribeHandler) writePump(client *notify.Client, conn *websocket.Conn, first notify.Message) {
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, first.Payload); err != nil {
		return
	}
	lastSent := first.Version

	for msg := range client.Send {
		if msg.Version <= lastSent {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			break
		}
		lastSent = msg.Version
	}
}

// readPump discards inbound frames; it exists to notice the peer closing.
func (h *SubscribeHandler) readPump(client *notify.Client, conn *websocket.Conn) {
	defer func() {
		h.notifier.Hub().Unregister(client)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
