package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-encode/internal/config"
	"github.com/ChuLiYu/beaver-encode/internal/report"
	"github.com/ChuLiYu/beaver-encode/pkg/types"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "beaver-encode", cmd.Use)
	assert.True(t, cmd.SilenceErrors, "main prints errors itself")

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, "%s has no RunE", c.Use)
	}
	assert.True(t, names["encode"])
	assert.True(t, names["node"])
	assert.True(t, names["status"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-json"))
}

func TestEncodeCommand_Flags(t *testing.T) {
	cmd := buildEncodeCommand(&globalFlags{})

	for name, short := range map[string]string{"input": "i", "output": "o", "node": "n", "slots": "s"} {
		f := cmd.Flags().Lookup(name)
		require.NotNil(t, f, "missing --%s", name)
		assert.Equal(t, short, f.Shorthand)
	}
	for _, name := range []string{"encoder-params", "temp-dir", "segment-duration", "max-attempts", "allow-incomplete", "status-addr", "keep-temp", "report"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestEncodeFlags_Apply(t *testing.T) {
	f := &encodeFlags{}
	cmd := &cobra.Command{Use: "encode"}
	f.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"-n", "10.0.0.1:50051", "-s", "2",
		"-n", "10.0.0.2:50051", "-s", "4",
		"--encoder-params", "-c:v libx265",
		"--encoder-params", "-crf 28",
		"--max-attempts", "0",
		"--segment-duration", "4.5",
		"--allow-incomplete",
	}))

	s := config.Default()
	s.Processing.TempDir = "/from/yaml"
	f.apply(cmd, s)

	assert.Equal(t, []string{"10.0.0.1:50051", "10.0.0.2:50051"}, s.Client.NodeAddresses)
	assert.Equal(t, []int{2, 4}, s.Client.Slots)
	assert.Equal(t, []string{"-c:v", "libx265", "-crf", "28", "-y"}, s.Client.EncoderParams)
	assert.Equal(t, 0, s.Retry.MaxAttempts, "explicit zero overrides the default")
	assert.Equal(t, 4.5, s.Processing.SegmentDuration)
	assert.True(t, s.Client.AllowIncomplete)
	assert.Equal(t, "/from/yaml", s.Processing.TempDir, "unset flags keep file values")
	assert.False(t, s.Processing.KeepTemp)
}

func TestNodeFlags_Apply(t *testing.T) {
	f := &nodeFlags{}
	cmd := &cobra.Command{Use: "node"}
	f.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--listen", "127.0.0.1:6000", "--metrics-addr", ":9100"}))

	s := config.Default()
	f.apply(cmd, s)

	assert.Equal(t, "127.0.0.1:6000", s.Node.Address)
	assert.Equal(t, ":9100", s.Metrics.Addr)
	assert.Equal(t, "./temp", s.Processing.TempDir)
}

func TestEncode_RequiresInputAndOutput(t *testing.T) {
	_, err := execute(t, "encode", "-n", "a:1", "-s", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestEncode_MissingInputFile(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "encode",
		"-i", filepath.Join(dir, "missing.mkv"),
		"-o", filepath.Join(dir, "out.mkv"),
		"-n", "a:1", "-s", "1",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEncode_InvalidSettings(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mkv")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))

	_, err := execute(t, "encode", "-i", input, "-o", filepath.Join(dir, "out.mkv"),
		"-n", "a:1", "-s", "1", "--segment-duration", "0")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEncode_ExplicitConfigMustExist(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "-c", filepath.Join(dir, "nope.yaml"), "encode", "-i", "in", "-o", "out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestNode_InvalidSettings(t *testing.T) {
	_, err := execute(t, "node", "--listen", "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestStatus_PrintsConfig(t *testing.T) {
	path := writeConfig(t, `
client:
  node_addresses: ["10.0.0.1:50051"]
  slots: [3]
retry:
  max_attempts: 7
metrics:
  addr: "127.0.0.1:9090"
`)

	out, err := execute(t, "-c", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.Contains(t, out, "[10.0.0.1:50051]")
	assert.Contains(t, out, "[3]")
	assert.Contains(t, out, "max attempts:     7")
	assert.Contains(t, out, "http://127.0.0.1:9090/metrics")
}

func TestStatus_PrintsReport(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "out.mkv.report.json")
	start := time.Now().Add(-time.Minute)
	r := report.Report{
		RunID:     "run-42",
		Input:     "in.mkv",
		Output:    "out.mkv",
		Nodes:     []types.NodeSpec{{Address: "10.0.0.1:50051", Capacity: 2}},
		StartedAt: start,
	}
	r.SetChunks([]types.Chunk{{Index: 0, Status: types.StatusCompleted}}, nil)
	r.Finish(time.Now(), nil)
	require.NoError(t, report.NewManager(reportPath).Write(r))

	out, err := execute(t, "status", "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-42 succeeded")
	assert.Contains(t, out, "1/1 completed")
}

func TestStatus_MissingReport(t *testing.T) {
	out, err := execute(t, "status", "--report", filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "No run report at")
}

func TestStatus_CorruptedReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := execute(t, "status", "--report", path)
	assert.ErrorIs(t, err, report.ErrCorruptedReport)
}
