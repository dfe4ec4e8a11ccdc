package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"nojudge/internal/judge/sandbox/engine"
	"nojudge/internal/judge/sandbox/observer"
	"nojudge/internal/judge/sandbox/profile"
	"nojudge/internal/judge/sandbox/result"
	"nojudge/internal/judge/sandbox/spec"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	compileTimeout     = 30 * time.Second
	compileMakeTimeout = 60 * time.Second
	lintTimeout        = 30 * time.Second
	scriptTimeout      = 30 * time.Second
	runGrace           = 2 * time.Second

	toolOutputLimit   = 256 << 10
	scriptStderrLimit = 64 << 10
	// The image writes program output to files; the attached streams only carry diagnostics.
	runStreamLimit = 16 << 10

	firewallLabel = "noj.network.restricted"
)

// Config controls the job workspace and output ceilings.
type Config struct {
	JobRootDir       string `yaml:"jobRootDir"`
	OutputLimitBytes int64  `yaml:"outputLimitBytes"`
	RunOverheadMs    int64  `yaml:"runOverheadMs"`
	FirewallNetwork  string `yaml:"firewallNetwork"`
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		JobRootDir:       filepath.Join(os.TempDir(), "noj-judge-jobs"),
		OutputLimitBytes: 256 << 10,
		RunOverheadMs:    2000,
		FirewallNetwork:  "noj-sandbox-net",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JobRootDir == "" {
		c.JobRootDir = d.JobRootDir
	}
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = d.OutputLimitBytes
	}
	if c.RunOverheadMs <= 0 {
		c.RunOverheadMs = d.RunOverheadMs
	}
	if c.FirewallNetwork == "" {
		c.FirewallNetwork = d.FirewallNetwork
	}
	return c
}

// DockerRunner implements Runner on top of a container engine and the sandbox image.
type DockerRunner struct {
	engine  engine.Engine
	cfg     Config
	metrics observer.MetricsRecorder
}

// NewDockerRunner creates a runner. A nil recorder disables metrics.
func NewDockerRunner(eng engine.Engine, cfg Config, metrics observer.MetricsRecorder) *DockerRunner {
	if metrics == nil {
		metrics = observer.Nop{}
	}
	return &DockerRunner{engine: eng, cfg: cfg.withDefaults(), metrics: metrics}
}

func (r *DockerRunner) overhead() time.Duration {
	return time.Duration(r.cfg.RunOverheadMs) * time.Millisecond
}

func (r *DockerRunner) CreateJob(ctx context.Context, submissionID string) (*JobContext, error) {
	job, err := createJobDir(r.cfg.JobRootDir, submissionID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.SandboxFailure)
	}
	logger.Debug(ctx, "sandbox job created", zap.String("dir", job.Dir))
	return job, nil
}

func (r *DockerRunner) WriteSource(ctx context.Context, job *JobContext, lang spec.Language, code string) error {
	p, err := profile.Lookup(lang)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.SandboxFailure)
	}
	if err := os.WriteFile(filepath.Join(job.SrcDir(), p.SourceFile), []byte(code), 0o644); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.SandboxFailure, "write source")
	}
	return nil
}

func (r *DockerRunner) Compile(ctx context.Context, job *JobContext, lang spec.Language, opts CompileOptions) (result.CompileResult, error) {
	return r.compile(ctx, job, "compile", lang, opts, compileTimeout)
}

func (r *DockerRunner) CompileWithMakefile(ctx context.Context, job *JobContext, lang spec.Language, opts CompileOptions) (result.CompileResult, error) {
	return r.compile(ctx, job, "compile-make", lang, opts, compileMakeTimeout)
}

func (r *DockerRunner) compile(ctx context.Context, job *JobContext, mode string, lang spec.Language, opts CompileOptions, timeout time.Duration) (result.CompileResult, error) {
	argv := []string{mode, string(lang)}
	flags, err := normalizeFlags(opts.CompilerFlags)
	if err != nil {
		return result.CompileResult{}, pkgerrors.Wrapf(err, pkgerrors.SandboxFailure, "invalid compiler flags")
	}
	if flags != "" {
		argv = append(argv, "--flags", flags)
	}

	var stdout, stderr bytes.Buffer
	out, err := r.launch(ctx, job, launch{
		mode:          mode,
		kind:          "compile",
		cmd:           argv,
		buildWritable: true,
		timeout:       timeout + r.overhead(),
		outputLimit:   toolOutputLimit,
		stdout:        &stdout,
		stderr:        &stderr,
	})
	if err != nil {
		return result.CompileResult{}, err
	}

	log := truncateUTF8(strings.TrimSpace(stdout.String()+"\n"+stderr.String()), toolOutputLimit)
	if out.ExitCode != 0 {
		return result.CompileResult{Status: result.StatusCE, Log: log}, nil
	}
	return result.CompileResult{Status: result.StatusRunning, Log: log}, nil
}

func (r *DockerRunner) Lint(ctx context.Context, job *JobContext, lang spec.Language) (result.LintResult, error) {
	_, err := r.launch(ctx, job, launch{
		mode:        "lint",
		kind:        "lint",
		cmd:         []string{"lint", string(lang)},
		timeout:     lintTimeout + r.overhead(),
		outputLimit: toolOutputLimit,
	})
	if err != nil {
		return result.LintResult{}, err
	}
	return result.LintResult{Output: readCapped(filepath.Join(job.OutDir(), "lint.json"), toolOutputLimit)}, nil
}

func (r *DockerRunner) RunScript(ctx context.Context, job *JobContext, code, inputJSON string) (result.ScriptResult, error) {
	if err := os.WriteFile(filepath.Join(job.SrcDir(), "script.py"), []byte(code), 0o644); err != nil {
		return result.ScriptResult{}, pkgerrors.Wrapf(err, pkgerrors.SandboxFailure, "write script")
	}
	if err := os.WriteFile(filepath.Join(job.SrcDir(), "input.json"), []byte(inputJSON), 0o644); err != nil {
		return result.ScriptResult{}, pkgerrors.Wrapf(err, pkgerrors.SandboxFailure, "write script input")
	}
	// Stale results from a previous script in the same job must not be read back.
	_ = os.Remove(filepath.Join(job.OutDir(), "output.json"))
	_ = os.Remove(filepath.Join(job.OutDir(), "script-stderr.txt"))

	out, err := r.launch(ctx, job, launch{
		mode:        "script",
		kind:        "script",
		cmd:         []string{"script", string(spec.LanguagePython)},
		timeout:     scriptTimeout + r.overhead(),
		outputLimit: toolOutputLimit,
	})
	if err != nil {
		return result.ScriptResult{}, err
	}
	return result.ScriptResult{
		Output:   readCapped(filepath.Join(job.OutDir(), "output.json"), toolOutputLimit),
		Stderr:   readCapped(filepath.Join(job.OutDir(), "script-stderr.txt"), scriptStderrLimit),
		ExitCode: out.ExitCode,
	}, nil
}

func (r *DockerRunner) RunCase(ctx context.Context, job *JobContext, lang spec.Language, input string, limits spec.Limits, caseIndex int) result.CaseResult {
	stdoutName := fmt.Sprintf("case-%d-stdout.txt", caseIndex)
	stderrName := fmt.Sprintf("case-%d-stderr.txt", caseIndex)
	usageName := fmt.Sprintf("case-%d-usage.txt", caseIndex)
	stdoutFile := filepath.Join(job.OutDir(), stdoutName)
	stderrFile := filepath.Join(job.OutDir(), stderrName)
	usageFile := filepath.Join(job.OutDir(), usageName)

	argv := []string{
		"run", string(lang),
		"--time-limit-ms", strconv.FormatInt(limits.TimeLimitMs, 10),
		"--memory-limit-kb", strconv.FormatInt(limits.MemoryLimitKb, 10),
		"--stdout-file", "/work/out/" + stdoutName,
		"--stderr-file", "/work/out/" + stderrName,
	}

	start := time.Now()
	out, err := r.launch(ctx, job, launch{
		mode:        "run",
		kind:        "run",
		cmd:         argv,
		timeout:     time.Duration(limits.TimeLimitMs)*time.Millisecond + r.overhead() + runGrace,
		outputLimit: runStreamLimit,
		memoryBytes: MemoryBytesFromKb(limits.MemoryLimitKb),
		stdin:       strings.NewReader(input),
		network:     limits.Network,
		env:         []string{"NOJ_USAGE_FILE=/work/out/" + usageName},
	})
	timeMs := time.Since(start).Milliseconds()
	stdout := readCapped(stdoutFile, r.cfg.OutputLimitBytes)
	stderr := readCapped(stderrFile, r.cfg.OutputLimitBytes)

	res := result.CaseResult{TimeMs: timeMs, Stdout: stdout, Stderr: stderr, MemoryKb: readPeakMemory(usageFile)}
	switch {
	case errors.Is(err, engine.ErrTimeout):
		res.Status = result.StatusTLE
	case errors.Is(err, engine.ErrOutputLimit):
		res.Status = result.StatusOLE
	case err != nil:
		logger.Warn(ctx, "sandbox run failed", zap.Int("case", caseIndex), zap.Error(err))
		res.Status = result.StatusJudgeError
		res.Stderr = err.Error()
	case out.OOMKilled:
		res.Status = result.StatusMLE
	default:
		res.Status = ClassifyExit(out.ExitCode, stderr)
	}
	r.metrics.ObserveCase(string(lang), string(res.Status), timeMs)
	return res
}

func (r *DockerRunner) Run(ctx context.Context, job *JobContext, rs RunSpec) (RunOutcome, error) {
	if strings.TrimSpace(rs.Command) == "" {
		return RunOutcome{}, pkgerrors.New(pkgerrors.SandboxFailure).WithMessage("run command is required")
	}
	kind := rs.Kind
	if kind == "" {
		kind = "exec"
	}
	timeout := rs.Timeout
	if timeout <= 0 {
		timeout = time.Duration(rs.Limits.TimeLimitMs)*time.Millisecond + r.overhead() + runGrace
	}
	var memory int64
	if rs.Limits.MemoryLimitKb > 0 {
		memory = MemoryBytesFromKb(rs.Limits.MemoryLimitKb)
	}

	start := time.Now()
	out, err := r.launch(ctx, job, launch{
		mode:        "exec",
		kind:        kind,
		entrypoint:  []string{"/bin/sh", "-c"},
		cmd:         []string{rs.Command},
		timeout:     timeout,
		outputLimit: r.cfg.OutputLimitBytes,
		memoryBytes: memory,
		stdin:       rs.Stdin,
		stdout:      rs.Stdout,
		stderr:      rs.Stderr,
		network:     rs.Limits.Network,
	})
	return RunOutcome{ExitCode: out.ExitCode, OOMKilled: out.OOMKilled, TimeMs: time.Since(start).Milliseconds()}, err
}

func (r *DockerRunner) CleanupJob(ctx context.Context, job *JobContext) *CleanupError {
	cerr := removeJobDir(job)
	if cerr != nil {
		logger.Warn(ctx, "sandbox job cleanup failed", zap.Error(cerr))
	}
	return cerr
}

type launch struct {
	mode          string
	kind          string
	entrypoint    []string
	cmd           []string
	buildWritable bool
	timeout       time.Duration
	outputLimit   int64
	memoryBytes   int64
	stdin         io.Reader
	stdout        io.Writer
	stderr        io.Writer
	network       *spec.NetworkPolicy
	env           []string
}

func (r *DockerRunner) launch(ctx context.Context, job *JobContext, l launch) (spec.Outcome, error) {
	name := containerName(l.kind, job.SubmissionID)
	cs := spec.ContainerSpec{
		Name:        name,
		Entrypoint:  l.entrypoint,
		Cmd:         l.cmd,
		Env:         append(r.env(l.network), l.env...),
		Labels:      map[string]string{"noj.job": SafeID(job.SubmissionID), "noj.mode": l.mode},
		WorkDir:     "/work",
		Mounts:      jobMounts(job, l.buildWritable),
		Network:     r.networkName(l.network),
		MemoryBytes: l.memoryBytes,
		Timeout:     l.timeout,
		OutputLimit: l.outputLimit,
		Stdin:       l.stdin,
		Stdout:      l.stdout,
		Stderr:      l.stderr,
	}
	if firewallEnabled(l.network) {
		cs.Labels[firewallLabel] = "true"
	}

	out, err := r.engine.Run(ctx, cs)
	r.metrics.ObserveLaunch(l.mode, launchOutcome(out, err), out.Duration)
	if err != nil {
		logger.Debug(ctx, "sandbox container failed", zap.String("container", name), zap.Error(err))
		switch {
		case errors.Is(err, engine.ErrTimeout):
			return out, pkgerrors.Wrapf(err, pkgerrors.SandboxTimeout, "%s exceeded %s", name, l.timeout)
		case errors.Is(err, engine.ErrOutputLimit):
			return out, pkgerrors.Wrapf(err, pkgerrors.SandboxOutputLimit, "%s exceeded %d output bytes", name, l.outputLimit)
		}
		return out, pkgerrors.Wrapf(err, pkgerrors.SandboxFailure, "%s failed", name)
	}
	return out, nil
}

func launchOutcome(out spec.Outcome, err error) string {
	switch {
	case errors.Is(err, engine.ErrTimeout):
		return "timeout"
	case errors.Is(err, engine.ErrOutputLimit):
		return "output_limit"
	case err != nil:
		return "error"
	case out.ExitCode != 0:
		return "exit"
	}
	return "ok"
}

// jobMounts keeps src and testdata read-only; build is writable only while compiling.
func jobMounts(job *JobContext, buildWritable bool) []spec.MountSpec {
	return []spec.MountSpec{
		{Source: job.SrcDir(), Target: "/work/src", ReadOnly: true},
		{Source: job.BuildDir(), Target: "/work/build", ReadOnly: !buildWritable},
		{Source: job.OutDir(), Target: "/work/out"},
		{Source: job.TestdataDir(), Target: "/work/testdata", ReadOnly: true},
	}
}

func (r *DockerRunner) env(policy *spec.NetworkPolicy) []string {
	env := []string{
		"NOJ_SANDBOX_OUTPUT_LIMIT_BYTES=" + strconv.FormatInt(r.cfg.OutputLimitBytes, 10),
		"PYTHONDONTWRITEBYTECODE=1",
	}
	if !firewallEnabled(policy) {
		return env
	}
	// Hints for the enforcement layer on the firewall network; nothing here filters traffic.
	if len(policy.AllowedDomains) > 0 {
		env = append(env, "NOJ_ALLOWED_DOMAINS="+strings.Join(policy.AllowedDomains, ","))
	}
	if len(policy.AllowedIPs) > 0 {
		env = append(env, "NOJ_ALLOWED_IPS="+strings.Join(policy.AllowedIPs, ","))
	}
	if len(policy.AllowedPorts) > 0 {
		ports := make([]string, 0, len(policy.AllowedPorts))
		for _, p := range policy.AllowedPorts {
			ports = append(ports, strconv.Itoa(p))
		}
		env = append(env, "NOJ_ALLOWED_PORTS="+strings.Join(ports, ","))
	}
	return env
}

// networkName returns the firewall bridge only for enabled firewall policies.
// Sidecar mode is not implemented and stays isolated.
func (r *DockerRunner) networkName(policy *spec.NetworkPolicy) string {
	if firewallEnabled(policy) {
		return r.cfg.FirewallNetwork
	}
	return string(spec.NetworkNone)
}

func firewallEnabled(policy *spec.NetworkPolicy) bool {
	return policy != nil && policy.Enabled && policy.Mode == spec.NetworkFirewall
}

// MemoryBytesFromKb converts a KB limit into whole MiB, never below 4 MiB.
func MemoryBytesFromKb(kb int64) int64 {
	mib := (kb + 1023) / 1024
	if mib < 4 {
		mib = 4
	}
	return mib << 20
}

// normalizeFlags re-joins shell-split compiler flags, single-quoting tokens
// that would not survive a second split unchanged.
func normalizeFlags(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	parts, err := shlex.Split(raw)
	if err != nil {
		return "", err
	}
	for i, p := range parts {
		parts[i] = quoteFlag(p)
	}
	return strings.Join(parts, " "), nil
}

func quoteFlag(tok string) string {
	if tok != "" && !strings.ContainsAny(tok, " \t\n'\"\\#") {
		return tok
	}
	return "'" + strings.ReplaceAll(tok, "'", `'"'"'`) + "'"
}

// readPeakMemory reads the peak resident memory in KB the image records in
// the usage file. A missing or malformed file leaves memory unknown.
func readPeakMemory(path string) *int64 {
	kb, err := strconv.ParseInt(strings.TrimSpace(readCapped(path, 64)), 10, 64)
	if err != nil || kb <= 0 {
		return nil
	}
	return &kb
}

// readCapped returns at most limit bytes of path, or "" when it cannot be read.
func readCapped(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return ""
	}
	return string(data)
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var _ Runner = (*DockerRunner)(nil)
