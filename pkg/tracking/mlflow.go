package tracking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/arberzela/mothernet/pkg/config"
	"github.com/arberzela/mothernet/pkg/logger"
)

const apiPrefix = "/api/2.0/mlflow"

// MLflowSink reports to an MLflow tracking server over REST.
type MLflowSink struct {
	baseURL      string
	client       *http.Client
	experimentID string
	runID        string
}

// Connect performs the tracking handshake: it resolves the experiment by
// name (creating it when absent) with bounded retries, then resolves the
// run identity. When resuming an existing run the run record is searched by
// name; more than one match is a configuration error because metric history
// would attach to an arbitrary run.
func Connect(cfg config.TrackingConfig, experiment, runName string, resume bool) (*MLflowSink, error) {
	s := &MLflowSink{
		baseURL: fmt.Sprintf("http://%s:%d%s", cfg.Host, cfg.Port, apiPrefix),
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			logger.GetLogger().Warnf("Tracking server not reachable, retrying (%d/%d): %v", i+1, attempts, lastErr)
			time.Sleep(cfg.RetryDelay)
		}
		lastErr = s.resolveExperiment(experiment)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, &HandshakeError{Attempts: attempts, Err: lastErr}
	}

	if err := s.resolveRun(runName, resume); err != nil {
		return nil, err
	}
	return s, nil
}

// resolveExperiment looks the experiment up by name and creates it when the
// server has never seen it.
func (s *MLflowSink) resolveExperiment(name string) error {
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := s.get("/experiments/get-by-name?experiment_name="+url.QueryEscape(name), &got)
	if err == nil {
		s.experimentID = got.Experiment.ExperimentID
		return nil
	}
	var notFound *statusError
	if !errors.As(err, &notFound) || notFound.code != http.StatusNotFound {
		return err
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := s.post("/experiments/create", map[string]interface{}{"name": name}, &created); err != nil {
		return err
	}
	s.experimentID = created.ExperimentID
	return nil
}

// resolveRun binds the sink to a run id. On resume the run is searched by
// name inside the experiment so metric history continues in place.
func (s *MLflowSink) resolveRun(runName string, resume bool) error {
	if resume {
		var found struct {
			Runs []struct {
				Info struct {
					RunID string `json:"run_id"`
				} `json:"info"`
			} `json:"runs"`
		}
		body := map[string]interface{}{
			"experiment_ids": []string{s.experimentID},
			"filter":         fmt.Sprintf("attributes.run_name = '%s'", runName),
		}
		if err := s.post("/runs/search", body, &found); err != nil {
			return fmt.Errorf("failed to search tracking runs: %w", err)
		}
		switch len(found.Runs) {
		case 0:
			logger.GetLogger().Warnf("No tracking run named %s found, starting a fresh run record", runName)
		case 1:
			s.runID = found.Runs[0].Info.RunID
			return nil
		default:
			return config.Errorf("more than one tracking run matches name %s, cannot resume unambiguously", runName)
		}
	}

	host, _ := os.Hostname()
	var created struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	body := map[string]interface{}{
		"experiment_id": s.experimentID,
		"run_name":      runName,
		"start_time":    time.Now().UnixMilli(),
		"tags": []map[string]string{
			{"key": "mlflow.runName", "value": runName},
			{"key": "host", "value": host},
		},
	}
	if err := s.post("/runs/create", body, &created); err != nil {
		return fmt.Errorf("failed to create tracking run: %w", err)
	}
	s.runID = created.Run.Info.RunID
	return nil
}

// RunID returns the bound tracking run id.
func (s *MLflowSink) RunID() string { return s.runID }

// LogMetric records one scalar. Delivery failures are logged and dropped so
// a flaky tracking server never stalls training.
func (s *MLflowSink) LogMetric(name string, value float64, step int) {
	body := map[string]interface{}{
		"run_id":    s.runID,
		"key":       name,
		"value":     value,
		"timestamp": time.Now().UnixMilli(),
		"step":      step,
	}
	if err := s.post("/runs/log-metric", body, nil); err != nil {
		logger.GetLogger().Warnf("Failed to log metric %s: %v", name, err)
	}
}

// LogParams records the run parameters in one batched call.
func (s *MLflowSink) LogParams(params map[string]interface{}) {
	batch := make([]map[string]string, 0, len(params))
	for key, value := range params {
		batch = append(batch, map[string]string{
			"key":   key,
			"value": fmt.Sprintf("%v", value),
		})
	}
	body := map[string]interface{}{
		"run_id": s.runID,
		"params": batch,
	}
	if err := s.post("/runs/log-batch", body, nil); err != nil {
		logger.GetLogger().Warnf("Failed to log run params: %v", err)
	}
}

// SetTag attaches an annotation to the run record.
func (s *MLflowSink) SetTag(key, value string) {
	body := map[string]interface{}{
		"run_id": s.runID,
		"key":    key,
		"value":  value,
	}
	if err := s.post("/runs/set-tag", body, nil); err != nil {
		logger.GetLogger().Warnf("Failed to set tag %s: %v", key, err)
	}
}

// Close marks the run finished on the server.
func (s *MLflowSink) Close() {
	body := map[string]interface{}{
		"run_id":   s.runID,
		"status":   "FINISHED",
		"end_time": time.Now().UnixMilli(),
	}
	if err := s.post("/runs/update", body, nil); err != nil {
		logger.GetLogger().Warnf("Failed to close tracking run: %v", err)
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tracking server returned %d: %s", e.code, e.body)
}

func (s *MLflowSink) get(path string, out interface{}) error {
	resp, err := s.client.Get(s.baseURL + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (s *MLflowSink) post(path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return &statusError{code: resp.StatusCode, body: buf.String()}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
