package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"almlp/internal/model"
	"almlp/internal/offline"
)

const (
	runIndexFile   = "run_index.json"
	configFile     = "config.json"
	summaryFile    = "summary.json"
	trajectoryFile = "trajectory.json"
	decisionsFile  = "decisions.json"
	datasetFile    = "dataset.json"
	iterationsFile = "iterations.json"
	seriesFile     = "trajectory.csv"
)

type RunConfig struct {
	RunID               string   `json:"run_id"`
	Mode                string   `json:"mode"`
	Parent              string   `json:"parent"`
	Base                string   `json:"base,omitempty"`
	UncertainTol        float64  `json:"uncertain_tol,omitempty"`
	FmaxVerifyThreshold *float64 `json:"fmax_verify_threshold,omitempty"`
	ToleranceMode       string   `json:"tolerance_mode,omitempty"`
	NEnsembles          int      `json:"n_ensembles"`
	EnsembleStrategy    string   `json:"ensemble_strategy"`
	Seed                uint64   `json:"seed"`
	Workers             int      `json:"workers"`
	RelaxFmax           float64  `json:"relax_fmax"`
	RelaxSteps          int      `json:"relax_steps"`
	RelaxMaxStep        float64  `json:"relax_maxstep"`
	MaxIterations       int      `json:"max_iterations,omitempty"`
	MaxForceTolerance   float64  `json:"max_force_tolerance,omitempty"`
	SamplesToRetrain    int      `json:"samples_to_retrain,omitempty"`
	QueryMethod         string   `json:"query_method,omitempty"`
	StoreKind           string   `json:"store_kind"`
}

type RunSummary struct {
	RunID       string  `json:"run_id"`
	Mode        string  `json:"mode"`
	ParentCalls int     `json:"parent_calls"`
	Queries     int     `json:"queries,omitempty"`
	Iterations  int     `json:"iterations,omitempty"`
	DatasetSize int     `json:"dataset_size"`
	Steps       int     `json:"steps"`
	Converged   bool    `json:"converged"`
	FinalEnergy float64 `json:"final_energy"`
	FinalFmax   float64 `json:"final_fmax"`
}

// TrajectoryPoint is one row of trajectory.csv.
type TrajectoryPoint struct {
	Step        int
	Energy      float64
	Fmax        float64
	Uncertainty *float64
}

type RunArtifacts struct {
	Config     RunConfig           `json:"config"`
	Summary    RunSummary          `json:"summary"`
	Trajectory []model.FrameRecord `json:"trajectory"`
	Decisions  []model.Decision    `json:"decisions,omitempty"`
	Dataset    []model.FrameRecord `json:"dataset"`
	Iterations []offline.Iteration `json:"iterations,omitempty"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Mode         string  `json:"mode"`
	Parent       string  `json:"parent"`
	ParentCalls  int     `json:"parent_calls"`
	DatasetSize  int     `json:"dataset_size"`
	Steps        int     `json:"steps"`
	Converged    bool    `json:"converged"`
	FinalFmax    float64 `json:"final_fmax"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// FrameRecords converts frames for serialization.
func FrameRecords(frames []model.Frame) []model.FrameRecord {
	out := make([]model.FrameRecord, len(frames))
	for i, f := range frames {
		out[i] = f.Record()
	}
	return out
}

func TrajectoryPoints(frames []model.Frame) []TrajectoryPoint {
	out := make([]TrajectoryPoint, len(frames))
	for i, f := range frames {
		res := f.Result()
		out[i] = TrajectoryPoint{Step: i, Energy: res.Energy, Fmax: res.Fmax(), Uncertainty: res.Uncertainty}
	}
	return out
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, trajectoryFile), artifacts.Trajectory); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, datasetFile), artifacts.Dataset); err != nil {
		return "", err
	}
	if len(artifacts.Decisions) > 0 {
		if err := writeJSON(filepath.Join(runDir, decisionsFile), artifacts.Decisions); err != nil {
			return "", err
		}
	}
	if len(artifacts.Iterations) > 0 {
		if err := writeJSON(filepath.Join(runDir, iterationsFile), artifacts.Iterations); err != nil {
			return "", err
		}
	}
	points := make([]TrajectoryPoint, 0, len(artifacts.Trajectory))
	for i, rec := range artifacts.Trajectory {
		points = append(points, TrajectoryPoint{Step: i, Energy: rec.Result.Energy, Fmax: rec.Result.Fmax(), Uncertainty: rec.Result.Uncertainty})
	}
	if err := WriteTrajectorySeries(runDir, points); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory to outDir. Optional files are
// copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, summaryFile, trajectoryFile, datasetFile, seriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{decisionsFile, iterationsFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

func ReadDecisions(baseDir, runID string) ([]model.Decision, bool, error) {
	var decisions []model.Decision
	ok, err := readJSON(filepath.Join(baseDir, runID, decisionsFile), &decisions)
	return decisions, ok, err
}

func ReadTrajectory(baseDir, runID string) ([]model.Frame, bool, error) {
	var records []model.FrameRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, trajectoryFile), &records)
	if err != nil || !ok {
		return nil, ok, err
	}
	frames := make([]model.Frame, 0, len(records))
	for i, rec := range records {
		f, err := rec.Frame()
		if err != nil {
			return nil, false, fmt.Errorf("trajectory frame %d: %w", i, err)
		}
		frames = append(frames, f)
	}
	return frames, true, nil
}

func WriteTrajectorySeries(runDir string, points []TrajectoryPoint) error {
	file, err := os.Create(filepath.Join(runDir, seriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"step", "energy", "fmax", "uncertainty"}); err != nil {
		return err
	}
	for _, p := range points {
		u := ""
		if p.Uncertainty != nil {
			u = strconv.FormatFloat(*p.Uncertainty, 'g', -1, 64)
		}
		if err := writer.Write([]string{
			strconv.Itoa(p.Step),
			strconv.FormatFloat(p.Energy, 'g', -1, 64),
			strconv.FormatFloat(p.Fmax, 'g', -1, 64),
			u,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadTrajectorySeries(baseDir, runID string) ([]TrajectoryPoint, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, seriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []TrajectoryPoint{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 4 {
		return nil, false, fmt.Errorf("trajectory series header must have 4 columns")
	}

	var points []TrajectoryPoint
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 4 {
			return nil, false, fmt.Errorf("trajectory series row must have 4 columns")
		}
		var p TrajectoryPoint
		if p.Step, err = strconv.Atoi(record[0]); err != nil {
			return nil, false, err
		}
		if p.Energy, err = strconv.ParseFloat(record[1], 64); err != nil {
			return nil, false, err
		}
		if p.Fmax, err = strconv.ParseFloat(record[2], 64); err != nil {
			return nil, false, err
		}
		if record[3] != "" {
			u, err := strconv.ParseFloat(record[3], 64)
			if err != nil {
				return nil, false, err
			}
			p.Uncertainty = &u
		}
		points = append(points, p)
	}
	return points, true, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
