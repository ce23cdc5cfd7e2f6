package output

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

const (
	vizWidth     = 640
	writeTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Marker is one box drawn by the viewer.
type Marker struct {
	Stage      string  `json:"stage"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
}

// VizMessage carries one frame and every marker computed on it.
type VizMessage struct {
	Pipeline string   `json:"pipeline"`
	Source   string   `json:"source"`
	FrameSeq uint64   `json:"frameSeq"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	JPEG     string   `json:"jpeg,omitempty"`
	Markers  []Marker `json:"markers"`
}

// RViz streams frames and markers to websocket viewers at
// /pipelines/{pipeline}/ws. Each frame is sent once per cycle together with
// the markers every stage produced for it.
type RViz struct {
	name     string
	pipeline string
	router   *mux.Router
	unmount  func() error

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	pending map[uint64]*VizMessage
	order   []uint64
}

func NewRViz(spec config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	addr := ":8081"
	if svcs.CfgSvc != nil {
		addr = svcs.CfgSvc.GetVisualizerAddress()
	}

	v := NewRVizHandler(spec.Name, name)
	unmount, err := mount(addr, spec.Name, v)
	if err != nil {
		return nil, err
	}
	v.unmount = unmount
	return v, nil
}

// NewRVizHandler builds the sink without listening.
func NewRVizHandler(pipelineName, name string) *RViz {
	v := &RViz{
		name:     name,
		pipeline: pipelineName,
		clients:  map[*websocket.Conn]bool{},
		pending:  map[uint64]*VizMessage{},
	}
	r := mux.NewRouter()
	r.HandleFunc("/pipelines/{pipeline}/ws", v.serveWS)
	v.router = r
	return v
}

func (v *RViz) Name() string {
	return v.name
}

func (v *RViz) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.router.ServeHTTP(w, r)
}

func (v *RViz) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		lgr.Logger.Warn("websocket upgrade failed", slog.String("pipeline", v.pipeline), slog.Any("error", err))
		return
	}
	conn.SetReadLimit(512)

	v.mu.Lock()
	v.clients[conn] = true
	v.mu.Unlock()
	lgr.Logger.Info("viewer connected", slog.String("pipeline", v.pipeline), slog.Int("viewers", v.Viewers()))

	// Viewers only listen; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	v.drop(conn)
}

// Viewers is the number of connected websocket clients.
func (v *RViz) Viewers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.clients)
}

func (v *RViz) drop(conn *websocket.Conn) {
	v.mu.Lock()
	if v.clients[conn] {
		delete(v.clients, conn)
		_ = conn.Close()
	}
	v.mu.Unlock()
}

func (v *RViz) AcceptFrame(frame *model.Frame) error {
	if v.Viewers() == 0 {
		return nil
	}

	msg := v.message(frame.Seq, frame.Source, frame.Width, frame.Height)
	img := imaging.Resize(frame.Image, vizWidth, 0, imaging.Box)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(70)); err != nil {
		return err
	}

	v.mu.Lock()
	msg.JPEG = base64.StdEncoding.EncodeToString(buf.Bytes())
	v.mu.Unlock()
	return nil
}

func (v *RViz) AcceptResults(batch model.ResultBatch) error {
	if v.Viewers() == 0 {
		return nil
	}

	for _, det := range batch.Detections() {
		source, width, height := "", 0, 0
		if frame := batch.Frame(det); frame != nil {
			source, width, height = frame.Source, frame.Width, frame.Height
		}
		msg := v.message(det.Region.FrameSeq, source, width, height)

		v.mu.Lock()
		msg.Markers = append(msg.Markers, Marker{
			Stage:      batch.Producer,
			Label:      det.Label,
			Confidence: det.Confidence,
			X:          det.Region.X,
			Y:          det.Region.Y,
			W:          det.Region.W,
			H:          det.Region.H,
		})
		v.mu.Unlock()
	}
	return nil
}

func (v *RViz) message(seq uint64, source string, width, height int) *VizMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	msg, ok := v.pending[seq]
	if !ok {
		msg = &VizMessage{Pipeline: v.pipeline, FrameSeq: seq, Markers: []Marker{}}
		v.pending[seq] = msg
		v.order = append(v.order, seq)
	}
	if msg.Source == "" {
		msg.Source, msg.Width, msg.Height = source, width, height
	}
	return msg
}

// EndCycle sends the collected frames to every viewer. A viewer that
// cannot keep up is disconnected.
func (v *RViz) EndCycle(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	order := v.order
	pending := v.pending
	v.order = nil
	v.pending = map[uint64]*VizMessage{}

	for _, seq := range order {
		data, err := json.Marshal(pending[seq])
		if err != nil {
			return err
		}
		for conn := range v.clients {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				lgr.Logger.Warn("viewer dropped", slog.String("pipeline", v.pipeline), slog.Any("error", err))
				delete(v.clients, conn)
				_ = conn.Close()
			}
		}
	}
	return nil
}

func (v *RViz) Close() error {
	v.mu.Lock()
	for conn := range v.clients {
		_ = conn.Close()
		delete(v.clients, conn)
	}
	v.mu.Unlock()

	if v.unmount == nil {
		return nil
	}
	err := v.unmount()
	v.unmount = nil
	return err
}
