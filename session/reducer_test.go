package session

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/murabcd/vibestack/envelope"
)

func intPtr(v int) *int { return &v }

func TestReduceFilesGeneratedScenario(t *testing.T) {
	s := Replay([]envelope.Envelope{
		envelope.Must(envelope.TypeFilesGenerated, "c1", envelope.FilesGenerated{Paths: []string{"a.txt"}, Status: envelope.StatusGenerating}),
		envelope.Must(envelope.TypeFilesGenerated, "c1", envelope.FilesGenerated{Paths: []string{"a.txt"}, Status: envelope.StatusUploaded}),
		envelope.Must(envelope.TypeFinish, "", envelope.Finish{}),
	})
	require.Equal(t, []string{"a.txt"}, s.GeneratedPaths)
}

func TestReduceEnvironmentCreated(t *testing.T) {
	s := Replay([]envelope.Envelope{
		envelope.Must(envelope.TypeEnvironmentCreated, "c1", envelope.EnvironmentCreated{Status: envelope.StatusLoading}),
		envelope.Must(envelope.TypeEnvironmentCreated, "c1", envelope.EnvironmentCreated{EnvironmentID: "env-1", Status: envelope.StatusDone}),
		envelope.Must(envelope.TypeFilesGenerated, "c2", envelope.FilesGenerated{Paths: []string{"a.txt"}, Status: envelope.StatusUploaded}),
		envelope.Must(envelope.TypePreviewURL, "c3", envelope.PreviewURL{URL: "https://3000-env-1.local", Status: envelope.StatusDone}),
	})
	require.Equal(t, "env-1", s.EnvironmentID)
	require.Equal(t, EnvironmentRunning, s.EnvironmentStatus)
	require.True(t, s.PreviewReady)

	// A new environment clears what belonged to the old one.
	s = Reduce(s, envelope.Must(envelope.TypeEnvironmentCreated, "c4", envelope.EnvironmentCreated{EnvironmentID: "env-2", Status: envelope.StatusDone}))
	require.Equal(t, "env-2", s.EnvironmentID)
	require.Empty(t, s.GeneratedPaths)
	require.Empty(t, s.ExposedURL)
	require.False(t, s.PreviewReady)

	require.Equal(t, EnvironmentStopped, s.WithEnvironmentStatus(EnvironmentStopped).EnvironmentStatus)
	require.Equal(t, EnvironmentUnset, State{}.WithEnvironmentStatus(EnvironmentStopped).EnvironmentStatus)
}

func TestReduceReusedEnvironmentKeepsState(t *testing.T) {
	s := Replay([]envelope.Envelope{
		envelope.Must(envelope.TypeEnvironmentCreated, "c1", envelope.EnvironmentCreated{EnvironmentID: "sbx_1", Status: envelope.StatusDone}),
		envelope.Must(envelope.TypeFilesGenerated, "c2", envelope.FilesGenerated{Paths: []string{"a.txt"}, Status: envelope.StatusUploaded}),
		envelope.Must(envelope.TypeCommand, "c3", envelope.Command{CommandID: "cmd-1", Command: "npm", Status: envelope.StatusRunning, Background: true, Timestamp: 1}),
		envelope.Must(envelope.TypePreviewURL, "c4", envelope.PreviewURL{URL: "https://3000-sbx_1.local", Status: envelope.StatusDone}),
	})
	s = s.WithEnvironmentStatus(EnvironmentStopped)

	// The next turn looks the sandbox up again and announces the same id.
	s = Reduce(s, envelope.Must(envelope.TypeEnvironmentCreated, "c5", envelope.EnvironmentCreated{EnvironmentID: "sbx_1", Status: envelope.StatusDone}))
	require.Equal(t, "sbx_1", s.EnvironmentID)
	require.Equal(t, EnvironmentRunning, s.EnvironmentStatus)
	require.Equal(t, []string{"a.txt"}, s.GeneratedPaths)
	require.Equal(t, "https://3000-sbx_1.local", s.ExposedURL)
	require.True(t, s.PreviewReady)
	_, ok := s.Command("cmd-1")
	require.True(t, ok)
}

func TestReduceDoneCommandNotOverwritten(t *testing.T) {
	s := Replay([]envelope.Envelope{
		envelope.Must(envelope.TypeCommand, "c1", envelope.Command{CommandID: "cmd-1", EnvironmentID: "env", Command: "ls", Status: envelope.StatusExecuting, Timestamp: 1}),
		envelope.Must(envelope.TypeCommand, "c1", envelope.Command{CommandID: "cmd-1", EnvironmentID: "env", Command: "ls", Status: envelope.StatusDone, ExitCode: intPtr(0), Timestamp: 2}),
		envelope.Must(envelope.TypeCommand, "c1", envelope.Command{CommandID: "cmd-1", EnvironmentID: "env", Command: "ls", Status: envelope.StatusExecuting, Timestamp: 3}),
	})
	cmd, ok := s.Command("cmd-1")
	require.True(t, ok)
	require.Equal(t, envelope.StatusDone, cmd.Status)
	require.Equal(t, 0, *cmd.ExitCode)
	require.Equal(t, int64(1), cmd.StartedAt)
}

func TestReduceBackgroundCommandLogs(t *testing.T) {
	s := Replay([]envelope.Envelope{
		envelope.Must(envelope.TypeCommand, "c1", envelope.Command{CommandID: "dev", Command: "npm", Args: []string{"run", "dev"}, Status: envelope.StatusExecuting, Timestamp: 10}),
		envelope.Must(envelope.TypeCommand, "c1", envelope.Command{CommandID: "dev", Command: "npm", Args: []string{"run", "dev"}, Status: envelope.StatusRunning, Background: true, Timestamp: 11}),
		envelope.Must(envelope.TypeCommandLog, "", envelope.CommandLog{CommandID: "dev", Data: "ready", Stream: envelope.StreamStdout, Timestamp: 30}),
		envelope.Must(envelope.TypeCommandLog, "", envelope.CommandLog{CommandID: "dev", Data: "starting", Stream: envelope.StreamStdout, Timestamp: 20}),
		envelope.Must(envelope.TypeCommandLog, "", envelope.CommandLog{CommandID: "dev", Data: "starting", Stream: envelope.StreamStdout, Timestamp: 20}),
		envelope.Must(envelope.TypeCommandLog, "", envelope.CommandLog{CommandID: "ghost", Data: "x", Stream: envelope.StreamStderr, Timestamp: 40}),
		envelope.Must(envelope.TypeCommand, "c1", envelope.Command{CommandID: "dev", Status: envelope.StatusExecuting, Timestamp: 50}),
	})
	cmd, ok := s.Command("dev")
	require.True(t, ok)
	require.Equal(t, envelope.StatusRunning, cmd.Status, "status must not move backwards")
	require.True(t, cmd.Background)
	require.Equal(t, []LogLine{
		{Data: "starting", Stream: envelope.StreamStdout, Timestamp: 20},
		{Data: "ready", Stream: envelope.StreamStdout, Timestamp: 30},
	}, cmd.Logs)
	_, ok = s.Command("ghost")
	require.False(t, ok)
}

func TestReduceIgnoresUnknownAndMalformed(t *testing.T) {
	base := Replay([]envelope.Envelope{
		envelope.Must(envelope.TypeFilesGenerated, "c1", envelope.FilesGenerated{Paths: []string{"a"}, Status: envelope.StatusUploaded}),
	})
	for _, env := range []envelope.Envelope{
		{Type: "data-future", Data: []byte(`{"paths":["b"]}`)},
		{Type: envelope.TypeFilesGenerated, Data: []byte(`not json`)},
		{Type: envelope.TypeCommand},
		envelope.Must(envelope.TypePreviewURL, "", envelope.PreviewURL{Status: envelope.StatusLoading}),
		envelope.Must(envelope.TypeEnvironmentCreated, "", envelope.EnvironmentCreated{EnvironmentID: "x", Status: envelope.StatusError}),
	} {
		require.Equal(t, base, Reduce(base, env), "envelope %s", env.Type)
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s1 := Replay([]envelope.Envelope{
		envelope.Must(envelope.TypeCommand, "", envelope.Command{CommandID: "a", Status: envelope.StatusExecuting}),
		envelope.Must(envelope.TypeFilesGenerated, "", envelope.FilesGenerated{Paths: []string{"x"}, Status: envelope.StatusUploaded}),
	})
	snapshot := fmt.Sprintf("%+v", s1)
	_ = Reduce(s1, envelope.Must(envelope.TypeCommandLog, "", envelope.CommandLog{CommandID: "a", Data: "l"}))
	_ = Reduce(s1, envelope.Must(envelope.TypeCommand, "", envelope.Command{CommandID: "a", Status: envelope.StatusDone}))
	_ = Reduce(s1, envelope.Must(envelope.TypeFilesGenerated, "", envelope.FilesGenerated{Paths: []string{"y"}, Status: envelope.StatusUploaded}))
	require.Equal(t, snapshot, fmt.Sprintf("%+v", s1))
}

var (
	fileStatuses = []string{envelope.StatusGenerating, envelope.StatusUploading, envelope.StatusUploaded, envelope.StatusError}
	cmdStatuses  = []string{envelope.StatusExecuting, envelope.StatusRunning, envelope.StatusDone, envelope.StatusError}
	streams      = []string{envelope.StreamStdout, envelope.StreamStderr}
)

// buildSequence turns random numbers into a well-formed envelope sequence:
// sandbox work only follows an environment, and log lines only reference
// commands started since the last environment.
func buildSequence(nums []uint32) []envelope.Envelope {
	var out []envelope.Envelope
	var started []string
	haveEnv := false
	for i, n := range nums {
		k := int(n)
		if !haveEnv && k%6 != 0 && k%6 != 5 {
			continue
		}
		switch k % 6 {
		case 0:
			out = append(out, envelope.Must(envelope.TypeEnvironmentCreated, "", envelope.EnvironmentCreated{
				EnvironmentID: fmt.Sprintf("env-%d", k/6%2), Status: envelope.StatusDone,
			}))
			started = nil
			haveEnv = true
		case 1:
			paths := []string{fmt.Sprintf("p%d", k/6%4)}
			if k/6%3 == 0 {
				paths = append(paths, fmt.Sprintf("p%d", k/72%4))
			}
			out = append(out, envelope.Must(envelope.TypeFilesGenerated, "", envelope.FilesGenerated{
				Paths: paths, Status: fileStatuses[k/24%4],
			}))
		case 2:
			id := fmt.Sprintf("cmd-%d", k/6%3)
			status := cmdStatuses[k/18%4]
			cmd := envelope.Command{CommandID: id, Command: "run", Status: status, Background: k/72%2 == 0, Timestamp: int64(i)}
			if status == envelope.StatusDone || status == envelope.StatusError {
				cmd.ExitCode = intPtr(k / 144 % 2)
			}
			out = append(out, envelope.Must(envelope.TypeCommand, "", cmd))
			started = append(started, id)
		case 3:
			if len(started) == 0 {
				continue
			}
			out = append(out, envelope.Must(envelope.TypeCommandLog, "", envelope.CommandLog{
				CommandID: started[k/6%len(started)],
				Data:      fmt.Sprintf("line-%d", k/6%3),
				Stream:    streams[k/18%2],
				Timestamp: int64(k / 36 % 5),
			}))
		case 4:
			status := envelope.StatusDone
			if k/12%2 == 0 {
				status = envelope.StatusLoading
			}
			out = append(out, envelope.Must(envelope.TypePreviewURL, "", envelope.PreviewURL{
				URL: fmt.Sprintf("https://h%d", k/6%2), Status: status,
			}))
		default:
			out = append(out, envelope.Envelope{Type: "data-unknown", Data: []byte(`{}`)})
		}
	}
	return out
}

func sequenceGen() gopter.Gen {
	return gen.SliceOf(gen.UInt32()).Map(buildSequence)
}

func TestReplayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("incremental application matches bulk replay", prop.ForAll(
		func(seq []envelope.Envelope) bool {
			r := NewReducer(State{})
			half := len(seq) / 2
			r.Apply(seq[:half]...)
			for _, env := range seq[half:] {
				r.Apply(env)
			}
			return reflect.DeepEqual(r.State(), Replay(seq))
		},
		sequenceGen(),
	))

	properties.Property("replaying a transcript twice is idempotent", prop.ForAll(
		func(seq []envelope.Envelope) bool {
			doubled := append(append([]envelope.Envelope(nil), seq...), seq...)
			return reflect.DeepEqual(Replay(doubled), Replay(seq))
		},
		sequenceGen(),
	))

	properties.Property("generated paths never shrink within an environment", prop.ForAll(
		func(seq []envelope.Envelope) bool {
			var s State
			for _, env := range seq {
				next := Reduce(s, env)
				if env.Type != envelope.TypeEnvironmentCreated {
					if len(next.GeneratedPaths) < len(s.GeneratedPaths) {
						return false
					}
					for i, p := range s.GeneratedPaths {
						if next.GeneratedPaths[i] != p {
							return false
						}
					}
				}
				s = next
			}
			return true
		},
		sequenceGen(),
	))

	properties.Property("terminal commands stay terminal", prop.ForAll(
		func(seq []envelope.Envelope) bool {
			var s State
			for _, env := range seq {
				next := Reduce(s, env)
				if env.Type != envelope.TypeEnvironmentCreated {
					for _, c := range s.Commands {
						if !c.Terminal() {
							continue
						}
						nc, ok := next.Command(c.ID)
						if !ok || nc.Status != c.Status {
							return false
						}
					}
				}
				s = next
			}
			return true
		},
		sequenceGen(),
	))

	properties.TestingRun(t)
}
