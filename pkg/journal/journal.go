package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/metrics"
	"github.com/sitekeeper/sitekeeper/pkg/protocol"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// MasterLogSource is the log file name reserved for master-side stage logs
const MasterLogSource = "_master"

// StageResult is the persisted combined result of one stage
type StageResult struct {
	NodeActionResults []*types.NodeAction `json:"nodeActionResults"`
	CustomResult      any                 `json:"customResult,omitempty"`
}

type stageRef struct {
	dir        string
	stageIndex int
	actionID   string
}

// Journal is the append-only on-disk archive of master actions. It is the
// only component writing under the journal root.
//
// Layout:
//
//	<root>/<environment>/ActionJournal/<timestamp>-<masterActionId>/
//	    master_action_info.json
//	    stages/<index>-<stageName>/stage_result.json
//	    stages/<index>-<stageName>/logs/_master.log
//	    stages/<index>-<stageName>/logs/<nodeName>.log
type Journal struct {
	envDir string
	logger zerolog.Logger

	mu          sync.Mutex
	actionDirs  map[string]string              // masterActionId -> action dir
	stageDirs   map[string]map[int]string      // masterActionId -> stageIndex -> stage dir
	nodeActions map[string]stageRef            // nodeActionId -> owning stage
	finalized   map[string]bool                // masterActionId -> terminal snapshot written
	fileLocks   map[string]*sync.Mutex         // per log file appender lock
}

// New creates a journal rooted at journalRoot for one environment
func New(journalRoot, environmentName string) (*Journal, error) {
	envDir := filepath.Join(journalRoot, environmentName, "ActionJournal")
	if err := os.MkdirAll(envDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	return &Journal{
		envDir:      envDir,
		logger:      log.WithComponent("journal"),
		actionDirs:  make(map[string]string),
		stageDirs:   make(map[string]map[int]string),
		nodeActions: make(map[string]stageRef),
		finalized:   make(map[string]bool),
		fileLocks:   make(map[string]*sync.Mutex),
	}, nil
}

// OpenMasterAction allocates the on-disk directory for a new action
func (j *Journal) OpenMasterAction(action *types.MasterAction) error {
	dirName := fmt.Sprintf("%s-%s", action.StartTime.UTC().Format("20060102T150405Z"), action.ID)
	dir := filepath.Join(j.envDir, dirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create action directory: %w", err)
	}

	j.mu.Lock()
	j.actionDirs[action.ID] = dir
	j.stageDirs[action.ID] = make(map[int]string)
	j.mu.Unlock()
	return nil
}

// RecordStageStarted creates the stage directory and its logs directory
func (j *Journal) RecordStageStarted(masterActionID string, stageIndex int, stageName string) error {
	j.mu.Lock()
	actionDir, ok := j.actionDirs[masterActionID]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown master action %s", masterActionID)
	}

	dir := filepath.Join(actionDir, "stages", fmt.Sprintf("%d-%s", stageIndex, sanitizeName(stageName)))
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return fmt.Errorf("failed to create stage directory: %w", err)
	}

	j.mu.Lock()
	j.stageDirs[masterActionID][stageIndex] = dir
	j.mu.Unlock()
	return nil
}

// MapNodeActionToStage registers where slave-originated logs for a node
// action are appended. The mapping is retained after completion so late
// entries within the translator's grace window still land in the archive.
func (j *Journal) MapNodeActionToStage(masterActionID string, stageIndex int, stageName, nodeActionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stages, ok := j.stageDirs[masterActionID]
	if !ok {
		return
	}
	dir, ok := stages[stageIndex]
	if !ok {
		return
	}
	j.nodeActions[nodeActionID] = stageRef{dir: dir, stageIndex: stageIndex, actionID: masterActionID}
}

// AppendStageLog appends one line to a stage log file. Source is either
// MasterLogSource or a node name; each file has its own serialized appender.
func (j *Journal) AppendStageLog(masterActionID string, stageIndex int, source string, entry types.LogRecord) error {
	j.mu.Lock()
	stages, ok := j.stageDirs[masterActionID]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("unknown master action %s", masterActionID)
	}
	dir, ok := stages[stageIndex]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown stage %d for action %s", stageIndex, masterActionID)
	}

	path := filepath.Join(dir, "logs", sanitizeName(source)+".log")
	return j.appendLine(path, formatLogLine(entry))
}

// RouteSlaveLog appends a slave task log entry to the node's per-stage file
func (j *Journal) RouteSlaveLog(nodeActionID string, entry protocol.TaskLogEntry) error {
	j.mu.Lock()
	ref, ok := j.nodeActions[nodeActionID]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("no stage mapping for node action %s", nodeActionID)
	}

	path := filepath.Join(ref.dir, "logs", sanitizeName(entry.NodeName)+".log")
	return j.appendLine(path, formatLogLine(types.LogRecord{
		Timestamp: entry.TimestampUTC,
		Level:     entry.Level,
		Source:    entry.NodeName,
		Message:   entry.Message,
	}))
}

// RecordStageCompleted writes stage_result.json atomically
func (j *Journal) RecordStageCompleted(masterActionID string, stageIndex int, stageName string, result *StageResult) error {
	j.mu.Lock()
	stages, ok := j.stageDirs[masterActionID]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("unknown master action %s", masterActionID)
	}
	dir, ok := stages[stageIndex]
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown stage %d for action %s", stageIndex, masterActionID)
	}

	if err := writeJSONAtomic(filepath.Join(dir, "stage_result.json"), result); err != nil {
		return err
	}
	metrics.JournalWrites.WithLabelValues("stage_result").Inc()
	return nil
}

// FinalizeMasterAction writes the terminal snapshot exactly once
func (j *Journal) FinalizeMasterAction(action *types.MasterAction) error {
	j.mu.Lock()
	if j.finalized[action.ID] {
		j.mu.Unlock()
		return fmt.Errorf("master action %s already finalized", action.ID)
	}
	dir, ok := j.actionDirs[action.ID]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("unknown master action %s", action.ID)
	}
	j.finalized[action.ID] = true
	j.mu.Unlock()

	if err := writeJSONAtomic(filepath.Join(dir, "master_action_info.json"), action); err != nil {
		return err
	}
	metrics.JournalWrites.WithLabelValues("action_snapshot").Inc()

	j.logger.Info().
		Str("master_action_id", action.ID).
		Str("status", string(action.OverallStatus)).
		Msg("master action archived")
	return nil
}

// GetArchivedMasterAction loads a finalized action snapshot by id
func (j *Journal) GetArchivedMasterAction(id string) (*types.MasterAction, error) {
	dir, err := j.findActionDir(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, "master_action_info.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read archived action: %w", err)
	}

	var action types.MasterAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("failed to parse archived action: %w", err)
	}
	return &action, nil
}

// ListArchivedActions loads every finalized action snapshot in the journal,
// newest first. Directories without a snapshot (still running, or interrupted
// and not yet recovered) are skipped.
func (j *Journal) ListArchivedActions() ([]*types.MasterAction, error) {
	entries, err := os.ReadDir(j.envDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}

	var actions []*types.MasterAction
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.envDir, e.Name(), "master_action_info.json"))
		if err != nil {
			continue
		}
		var action types.MasterAction
		if err := json.Unmarshal(data, &action); err != nil {
			j.logger.Warn().Err(err).Str("dir", e.Name()).Msg("skipping unreadable action snapshot")
			continue
		}
		actions = append(actions, &action)
	}
	sort.Slice(actions, func(a, b int) bool {
		return actions[a].StartTime.After(actions[b].StartTime)
	})
	return actions, nil
}

// GetArchivedStageResult loads the combined result of one archived stage
func (j *Journal) GetArchivedStageResult(id string, stageIndex int) (*StageResult, error) {
	stageDir, err := j.findStageDir(id, stageIndex)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(stageDir, "stage_result.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read stage result: %w", err)
	}

	var result StageResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse stage result: %w", err)
	}
	return &result, nil
}

// GetArchivedStageLogContent returns the raw content of one stage log file
func (j *Journal) GetArchivedStageLogContent(id string, stageIndex int, logFileName string) (string, error) {
	stageDir, err := j.findStageDir(id, stageIndex)
	if err != nil {
		return "", err
	}

	// The file name is caller input; keep reads inside the logs directory.
	if logFileName != filepath.Base(logFileName) {
		return "", fmt.Errorf("invalid log file name %q", logFileName)
	}

	data, err := os.ReadFile(filepath.Join(stageDir, "logs", logFileName))
	if err != nil {
		return "", fmt.Errorf("failed to read stage log: %w", err)
	}
	return string(data), nil
}

// RecoverInterrupted finalizes any action directory left without a terminal
// snapshot by a master crash. Interrupted actions are archived as Failed.
func (j *Journal) RecoverInterrupted() (int, error) {
	entries, err := os.ReadDir(j.envDir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan journal: %w", err)
	}

	recovered := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(j.envDir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "master_action_info.json")); err == nil {
			continue
		}

		id := actionIDFromDirName(e.Name())
		now := time.Now().UTC()
		action := &types.MasterAction{
			ID:            id,
			OverallStatus: types.MasterActionFailed,
			StatusMessage: "interrupted by master restart",
			StartTime:     now,
			EndTime:       &now,
		}
		if err := writeJSONAtomic(filepath.Join(dir, "master_action_info.json"), action); err != nil {
			j.logger.Error().Err(err).Str("dir", e.Name()).Msg("failed to recover interrupted action")
			continue
		}
		j.logger.Warn().Str("master_action_id", id).Msg("finalized interrupted master action as Failed")
		recovered++
	}
	return recovered, nil
}

func (j *Journal) findActionDir(id string) (string, error) {
	j.mu.Lock()
	if dir, ok := j.actionDirs[id]; ok {
		j.mu.Unlock()
		return dir, nil
	}
	j.mu.Unlock()

	entries, err := os.ReadDir(j.envDir)
	if err != nil {
		return "", fmt.Errorf("failed to scan journal: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), "-"+id) {
			return filepath.Join(j.envDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("master action %s not found in journal", id)
}

func (j *Journal) findStageDir(id string, stageIndex int) (string, error) {
	actionDir, err := j.findActionDir(id)
	if err != nil {
		return "", err
	}

	stagesDir := filepath.Join(actionDir, "stages")
	entries, err := os.ReadDir(stagesDir)
	if err != nil {
		return "", fmt.Errorf("failed to scan stages: %w", err)
	}
	prefix := fmt.Sprintf("%d-", stageIndex)
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(stagesDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("stage %d not found for action %s", stageIndex, id)
}

// appendLine serializes concurrent appenders per file so interleaved writers
// preserve line ordering.
func (j *Journal) appendLine(path, line string) error {
	j.mu.Lock()
	lock, ok := j.fileLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		j.fileLocks[path] = lock
	}
	j.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append log line: %w", err)
	}
	metrics.JournalWrites.WithLabelValues("log_line").Inc()
	return nil
}

// writeJSONAtomic writes the artifact to a temp file and renames it into
// place so readers never observe partial content.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace artifact: %w", err)
	}
	return nil
}

func formatLogLine(rec types.LogRecord) string {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("%s [%s] %s\n", ts.UTC().Format(time.RFC3339Nano), strings.ToUpper(rec.Level), rec.Message)
}

func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "..", "_")
	return r.Replace(name)
}

func actionIDFromDirName(name string) string {
	if i := strings.Index(name, "-"); i >= 0 && i+1 < len(name) {
		return name[i+1:]
	}
	return name
}
