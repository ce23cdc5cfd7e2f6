package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/data"
	"github.com/khaledhikmat/perception-go/service/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch(t *testing.T) (model.ResultBatch, *model.Frame) {
	t.Helper()
	frame := model.NewFrame("cam0", image.NewRGBA(image.Rect(0, 0, 320, 240)), nil)
	t.Cleanup(frame.Release)

	return model.ResultBatch{
		Pipeline: "lobby",
		Producer: "detector",
		Results: []model.Result{
			model.DetectionResult{Region: model.FrameRegion{X: 10, Y: 20, W: 30, H: 40, FrameSeq: frame.Seq}, Label: "person", Confidence: 0.9},
			model.DetectionResult{Region: model.FrameRegion{X: 100, Y: 50, W: 20, H: 20, FrameSeq: frame.Seq}, Label: "car", Confidence: 0.6},
		},
		Frames:    map[uint64]*model.Frame{frame.Seq: frame},
		Timestamp: time.Unix(1700000000, 0),
	}, frame
}

func TestRecords(t *testing.T) {
	batch, frame := testBatch(t)
	records := Records(batch)
	require.Len(t, records, 2)
	assert.Equal(t, model.DetectionRecord{
		Pipeline:   "lobby",
		Stage:      "detector",
		Source:     "cam0",
		FrameSeq:   frame.Seq,
		Label:      "person",
		Confidence: 0.9,
		X:          10,
		Y:          20,
		Width:      30,
		Height:     40,
		Timestamp:  1700000000,
	}, records[0])
	assert.Empty(t, Records(model.ResultBatch{}))
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	closed   bool
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *fakePublisher) Close() {
	p.closed = true
}

func TestRosTopic(t *testing.T) {
	batch, _ := testBatch(t)
	pub := &fakePublisher{}
	sink := NewRosTopicPublisher("lobby", RosTopicKind, "perception", pub)

	require.NoError(t, sink.AcceptResults(batch))
	require.Equal(t, []string{"perception.lobby.detector"}, pub.subjects)

	var msg TopicMessage
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "detector", msg.Stage)
	assert.Equal(t, int64(1700000000000), msg.Stamp)
	assert.Len(t, msg.Detections, 2)

	assert.Equal(t, "perception.front_door.face_v2", NewRosTopicPublisher("front door", "", "perception", pub).Subject("face.v2"))
	assert.Equal(t, "lobby.detector", NewRosTopicPublisher("lobby", "", "", pub).Subject("detector"))

	pub.err = errors.New("connection closed")
	assert.Error(t, sink.AcceptResults(batch))

	require.NoError(t, sink.Close())
	assert.True(t, pub.closed)
}

func TestRestfulServer(t *testing.T) {
	dataSvc := data.NewFilesDB(config.NewFromMap(map[string]string{"SETTINGS_FOLDER": t.TempDir()}))
	sink := NewRestfulHandler("lobby", RestfulServerKind, dataSvc)
	srv := httptest.NewServer(sink)
	defer srv.Close()

	get := func(path string) (int, []byte) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	status, _ := get("/pipelines/lobby/results/detector")
	assert.Equal(t, http.StatusNotFound, status)

	batch, _ := testBatch(t)
	require.NoError(t, sink.AcceptResults(batch))
	batch.Producer = "refiner"
	batch.Results = batch.Results[:1]
	require.NoError(t, sink.AcceptResults(batch))

	status, body := get("/pipelines/lobby/results")
	require.Equal(t, http.StatusOK, status)
	var all []StageSnapshot
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 2)
	assert.Equal(t, "detector", all[0].Stage)
	assert.Equal(t, "refiner", all[1].Stage)

	status, body = get("/pipelines/lobby/results/refiner")
	require.Equal(t, http.StatusOK, status)
	var one StageSnapshot
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Len(t, one.Detections, 1)

	require.NoError(t, dataSvc.NewDetections(Records(batch)))
	status, body = get("/pipelines/lobby/detections?limit=5")
	require.Equal(t, http.StatusOK, status)
	var records []model.DetectionRecord
	require.NoError(t, json.Unmarshal(body, &records))
	assert.Len(t, records, 1)

	status, _ = get("/pipelines/lobby/detections?limit=-1")
	assert.Equal(t, http.StatusBadRequest, status)

	require.NoError(t, sink.Close())
}

func TestSharedServer(t *testing.T) {
	lobby := NewRestfulHandler("lobby", RestfulServerKind, nil)
	garage := NewRestfulHandler("garage", RestfulServerKind, nil)

	addr := "127.0.0.1:0"
	unmountLobby, err := mount(addr, "lobby", lobby)
	require.NoError(t, err)
	unmountGarage, err := mount(addr, "garage", garage)
	require.NoError(t, err)
	_, err = mount(addr, "lobby", lobby)
	assert.Error(t, err)

	serversMu.Lock()
	bound := servers[addr].bound
	serversMu.Unlock()

	resp, err := http.Get("http://" + bound + "/pipelines")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	resp.Body.Close()
	assert.Equal(t, []string{"garage", "lobby"}, names)

	resp, err = http.Get("http://" + bound + "/pipelines/attic/results")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, unmountLobby())
	require.NoError(t, unmountGarage())
	serversMu.Lock()
	_, ok := servers[addr]
	serversMu.Unlock()
	assert.False(t, ok)
}

func TestRViz(t *testing.T) {
	sink := NewRVizHandler("lobby", RVizKind)
	srv := httptest.NewServer(sink)
	defer srv.Close()

	batch, frame := testBatch(t)

	// nothing is buffered without viewers
	require.NoError(t, sink.AcceptFrame(frame))
	require.NoError(t, sink.AcceptResults(batch))
	require.NoError(t, sink.EndCycle(context.Background()))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/pipelines/lobby/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return sink.Viewers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sink.AcceptFrame(frame))
	require.NoError(t, sink.AcceptResults(batch))
	require.NoError(t, sink.EndCycle(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg VizMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, frame.Seq, msg.FrameSeq)
	assert.Equal(t, "cam0", msg.Source)
	assert.Equal(t, 320, msg.Width)
	assert.NotEmpty(t, msg.JPEG)
	require.Len(t, msg.Markers, 2)
	assert.Equal(t, "person", msg.Markers[0].Label)

	require.NoError(t, sink.Close())
	assert.Equal(t, 0, sink.Viewers())
}

func servicesWith(dataSvc data.IService, webhookSvc webhook.IService) pipeline.ServicesFactory {
	return pipeline.ServicesFactory{
		CfgSvc:     config.NewFromMap(map[string]string{}),
		DataSvc:    dataSvc,
		WebhookSvc: webhookSvc,
	}
}

func TestDatabase(t *testing.T) {
	_, err := NewDatabase(config.PipelineSpec{}, DatabaseKind, servicesWith(nil, nil))
	assert.Error(t, err)

	dataSvc := data.NewFilesDB(config.NewFromMap(map[string]string{"SETTINGS_FOLDER": t.TempDir()}))
	out, err := NewDatabase(config.PipelineSpec{Name: "lobby"}, DatabaseKind, servicesWith(dataSvc, nil))
	require.NoError(t, err)
	sink := out.(*Database)

	batch, _ := testBatch(t)
	require.NoError(t, sink.AcceptResults(batch))
	require.NoError(t, sink.AcceptResults(model.ResultBatch{Pipeline: "lobby", Producer: "detector"}))

	records, err := dataSvc.RetrieveDetections("lobby", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "car", records[0].Label)
}

func TestWebhook(t *testing.T) {
	_, err := NewWebhook(config.PipelineSpec{}, WebhookKind, servicesWith(nil, nil))
	assert.Error(t, err)

	fake := webhook.NewFake()
	out, err := NewWebhook(config.PipelineSpec{}, WebhookKind, servicesWith(nil, fake))
	require.NoError(t, err)
	sink := out.(*Webhook)

	require.NoError(t, sink.AcceptResults(model.ResultBatch{Pipeline: "lobby"}))
	assert.Empty(t, fake.Payloads())

	batch, _ := testBatch(t)
	require.NoError(t, sink.AcceptResults(batch))
	require.Len(t, fake.Payloads(), 1)
	payload := fake.Payloads()[0].(map[string]interface{})
	assert.Equal(t, "cam0", payload["source"])
	assert.Len(t, payload["detections"], 2)

	fake.Err = errors.New("503")
	assert.Error(t, sink.AcceptResults(batch))
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleWriter(ConsoleKind, &buf)
	batch, frame := testBatch(t)

	require.NoError(t, sink.AcceptResults(batch))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[lobby/detector]")
	assert.Contains(t, lines[0], "person 0.90")
	assert.Contains(t, lines[1], "(100,50 20x20)")
	assert.Contains(t, lines[1], "frame "+strconv.FormatUint(frame.Seq, 10))
}

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestDetectionLog(t *testing.T) {
	out := &bufferCloser{}
	sink := NewDetectionLogWriter(DetectionLogKind, out)
	batch, _ := testBatch(t)

	require.NoError(t, sink.AcceptResults(batch))
	dec := json.NewDecoder(&out.Buffer)
	var first, second model.DetectionRecord
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "person", first.Label)
	assert.Equal(t, "car", second.Label)

	require.NoError(t, sink.Close())
	assert.True(t, out.closed)
}
