package slave

import (
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/sitekeeper/sitekeeper/pkg/types"
)

// VerifyConfiguration checks the basic environment of the node: hostname
// resolution and a writable working directory. Progress is reported in the
// fixed 25/50/75/100 steps.
type VerifyConfiguration struct {
	// WorkDir is the directory probed for writability. Empty means the
	// process temp dir.
	WorkDir string

	// StepDelay paces the staged progress reports
	StepDelay time.Duration
}

// NewVerifyConfiguration creates the verification executor
func NewVerifyConfiguration(workDir string) *VerifyConfiguration {
	return &VerifyConfiguration{
		WorkDir:   workDir,
		StepDelay: 200 * time.Millisecond,
	}
}

func (v *VerifyConfiguration) TaskType() string {
	return types.TaskTypeVerifyConfiguration
}

func (v *VerifyConfiguration) CheckReadiness(params map[string]string) Readiness {
	return Readiness{Ready: true}
}

func (v *VerifyConfiguration) Execute(tc *TaskContext) Result {
	issues := 0

	tc.ReportProgress(25, "checking hostname")
	hostname, err := os.Hostname()
	if err != nil {
		return Result{Status: types.TaskFailed, Message: "failed to resolve hostname: " + err.Error()}
	}
	tc.Log("info", "hostname resolved: %s", hostname)
	if !tc.Sleep(v.StepDelay) {
		return Result{Status: types.TaskCancelled, Message: "cancelled during verification"}
	}

	tc.ReportProgress(50, "checking working directory")
	workDir := v.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := probeWritable(workDir); err != nil {
		tc.Log("warn", "working directory %s not writable: %v", workDir, err)
		issues++
	}
	if !tc.Sleep(v.StepDelay) {
		return Result{Status: types.TaskCancelled, Message: "cancelled during verification"}
	}

	tc.ReportProgress(75, "collecting platform info")
	info := map[string]string{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"runtime":  runtime.Version(),
	}
	resultJSON, _ := json.Marshal(info)
	if !tc.Sleep(v.StepDelay) {
		return Result{Status: types.TaskCancelled, Message: "cancelled during verification"}
	}

	tc.ReportProgress(100, "verification complete")
	if issues > 0 {
		return Result{
			Status:     types.TaskSucceededWithIssues,
			Message:    "verification completed with issues",
			ResultJSON: string(resultJSON),
		}
	}
	return Result{
		Status:     types.TaskSucceeded,
		Message:    "verification passed",
		ResultJSON: string(resultJSON),
	}
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".sitekeeper-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
