package output

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/pipeline"
	"github.com/khaledhikmat/perception-go/service/config"
	"github.com/khaledhikmat/perception-go/service/data"
)

// StageSnapshot is the latest batch a stage published.
type StageSnapshot struct {
	Stage      string                  `json:"stage"`
	Timestamp  time.Time               `json:"timestamp"`
	Detections []model.DetectionRecord `json:"detections"`
}

// RestfulServer serves the latest results of every stage of a pipeline:
//
//	GET /pipelines/{pipeline}/results
//	GET /pipelines/{pipeline}/results/{stage}
//	GET /pipelines/{pipeline}/detections?limit=N
type RestfulServer struct {
	name     string
	pipeline string
	dataSvc  data.IService
	router   *mux.Router
	unmount  func() error

	mu     sync.RWMutex
	latest map[string]StageSnapshot
	order  []string
}

func NewRestfulServer(spec config.PipelineSpec, name string, svcs pipeline.ServicesFactory) (pipeline.Output, error) {
	addr := ":8080"
	if svcs.CfgSvc != nil {
		addr = svcs.CfgSvc.GetRestAddress()
	}

	s := NewRestfulHandler(spec.Name, name, svcs.DataSvc)
	unmount, err := mount(addr, spec.Name, s)
	if err != nil {
		return nil, err
	}
	s.unmount = unmount
	return s, nil
}

// NewRestfulHandler builds the sink without listening. dataSvc may be nil,
// in which case the detections route answers 404.
func NewRestfulHandler(pipelineName, name string, dataSvc data.IService) *RestfulServer {
	s := &RestfulServer{
		name:     name,
		pipeline: pipelineName,
		dataSvc:  dataSvc,
		latest:   map[string]StageSnapshot{},
	}

	r := mux.NewRouter()
	r.HandleFunc("/pipelines/{pipeline}/results", s.allResults).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{pipeline}/results/{stage}", s.stageResults).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{pipeline}/detections", s.detections).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *RestfulServer) Name() string {
	return s.name
}

func (s *RestfulServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *RestfulServer) AcceptResults(batch model.ResultBatch) error {
	snap := StageSnapshot{
		Stage:      batch.Producer,
		Timestamp:  batch.Timestamp,
		Detections: Records(batch),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.latest[batch.Producer]; !ok {
		s.order = append(s.order, batch.Producer)
	}
	s.latest[batch.Producer] = snap
	return nil
}

func (s *RestfulServer) Close() error {
	if s.unmount == nil {
		return nil
	}
	err := s.unmount()
	s.unmount = nil
	return err
}

func (s *RestfulServer) allResults(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	snaps := make([]StageSnapshot, 0, len(s.order))
	for _, stage := range s.order {
		snaps = append(snaps, s.latest[stage])
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, snaps)
}

func (s *RestfulServer) stageResults(w http.ResponseWriter, r *http.Request) {
	stage := mux.Vars(r)["stage"]
	s.mu.RLock()
	snap, ok := s.latest[stage]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no results for stage " + stage})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *RestfulServer) detections(w http.ResponseWriter, r *http.Request) {
	if s.dataSvc == nil {
		http.NotFound(w, r)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := s.dataSvc.RetrieveDetections(s.pipeline, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}
