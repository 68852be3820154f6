package suite

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
)

func threeCaseSuite(t *testing.T) *TestSuite {
	t.Helper()
	s, err := NewTestSuite("Ice/exceptions", mapping.New(mapping.Cpp),
		clientServer("first", []string{"s1"}, []string{"c1"}),
		clientServer("second", []string{"s2"}, []string{"c2"}),
		clientServer("third", []string{"s3"}, []string{"c3"}),
	)
	require.NoError(t, err)
	return s
}

func TestNewTestSuite_RejectsDuplicates(t *testing.T) {
	_, err := NewTestSuite("Ice/x", mapping.New(mapping.Cpp),
		&TestCase{Name: "a"}, &TestCase{Name: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate case "a"`)

	_, err = NewTestSuite("Ice/x", mapping.New(mapping.Cpp), &TestCase{})
	assert.Error(t, err)

	_, err = NewTestSuite("", mapping.New(mapping.Cpp))
	assert.Error(t, err)
}

func TestTestSuite_KeepGoing(t *testing.T) {
	tests := []struct {
		name       string
		keepGoing  bool
		wantErr    error
		wantRun    int
		wantFailed int
		wantNotRun int
		wantStarts []string
	}{
		{
			name:       "stop at first failure",
			keepGoing:  false,
			wantErr:    ErrAborted,
			wantRun:    1,
			wantFailed: 1,
			wantNotRun: 2,
			wantStarts: []string{"start:s1", "start:c1"},
		},
		{
			name:       "keep going",
			keepGoing:  true,
			wantRun:    3,
			wantFailed: 2,
			wantStarts: []string{"start:s1", "start:c1", "start:s2", "start:c2", "start:s3", "start:c3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFakeController(map[string]behaviour{
				"c1": {status: 1},
				"c3": {status: 2},
			})
			res, err := threeCaseSuite(t).Run(context.Background(), testRunContext(ctl), RunOptions{KeepGoing: tt.keepGoing})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantRun, res.Run())
			assert.Len(t, res.Failures(), tt.wantFailed)
			assert.Equal(t, tt.wantNotRun, res.NotRun())
			assert.Equal(t, !tt.keepGoing, res.Aborted())
			assert.False(t, res.Interrupted(), "a failure is not an interrupt")
			assert.Empty(t, ctl.running())

			var starts []string
			for _, e := range ctl.log.list() {
				if strings.HasPrefix(e, "start:") {
					starts = append(starts, e)
				}
			}
			assert.Equal(t, tt.wantStarts, starts)
		})
	}
}

func TestTestSuite_RecordsFailurePath(t *testing.T) {
	ctl := newFakeController(map[string]behaviour{
		"c2": {status: 1},
	})
	var out bytes.Buffer
	res, err := threeCaseSuite(t).Run(context.Background(), testRunContext(ctl), RunOptions{KeepGoing: true, Out: &out})
	require.NoError(t, err)

	require.Len(t, res.Failures(), 1)
	f := res.Failures()[0]
	assert.Equal(t, "cpp/Ice/exceptions/second", f.Path)
	assert.Equal(t, "--protocol=tcp", f.Config)
	assert.Contains(t, f.Error, "expected 0, got 1")
	assert.Equal(t, []string{"/tmp/traces/s2.log", "/tmp/traces/c2.log"}, f.Traces)

	assert.Equal(t, "cpp", res.Mapping)
	assert.Equal(t, "Ice/exceptions", res.Suite)
	assert.Contains(t, out.String(), "[1/3] cpp/Ice/exceptions/first ok")
	assert.Contains(t, out.String(), "[2/3] cpp/Ice/exceptions/second FAILED: cpp/Ice/exceptions/second (clients running): c2: unexpected exit status")
}

func TestTestSuite_Interrupted(t *testing.T) {
	ctl := newFakeController(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := threeCaseSuite(t).Run(ctx, testRunContext(ctl), RunOptions{KeepGoing: true})
	assert.True(t, errors.Is(err, ErrInterrupted))
	assert.True(t, res.Interrupted())
	assert.False(t, res.Aborted())
	assert.Equal(t, 3, res.NotRun())
	assert.Empty(t, ctl.log.list())
}

func TestTestSuite_SkipsByOptionsAndFilter(t *testing.T) {
	s := threeCaseSuite(t)
	s.Cases[0].Options = map[config.Axis][]string{config.AxisProtocol: {"ssl"}}
	f, err := NewFilter(nil, []string{"third$"})
	require.NoError(t, err)

	ctl := newFakeController(nil)
	res, err := s.Run(context.Background(), testRunContext(ctl), RunOptions{Filter: f})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Run())
	assert.Equal(t, 2, res.Skipped())
	assert.Equal(t, []string{"start:s2", "start:c2", "stop:c2", "stop:s2"}, ctl.log.list())
}

func TestTestSuite_Applies(t *testing.T) {
	s := threeCaseSuite(t)
	assert.True(t, s.Applies(config.NewConfiguration()))
	s.Options = map[config.Axis][]string{config.AxisMX: {"true"}}
	assert.False(t, s.Applies(config.NewConfiguration()))
}

func TestTestSuite_CrossWith(t *testing.T) {
	s := threeCaseSuite(t)
	s.Cases[0].Children = []*TestCase{clientServer("child", nil, []string{"cc"})}
	java := mapping.New(mapping.Java)

	cross := s.CrossWith(java)
	assert.Equal(t, "java-cpp/Ice/exceptions", cross.Path())
	assert.Equal(t, "java-cpp/Ice/exceptions/first", cross.CasePath(cross.Cases[0]))
	assert.Same(t, java, cross.Cases[0].Clients[0].Mapping)
	assert.Same(t, java, cross.Cases[0].Children[0].Clients[0].Mapping)
	assert.Nil(t, cross.Cases[0].Servers[0].Mapping, "servers keep the suite mapping")

	// The declared suite is untouched.
	assert.Nil(t, s.Cases[0].Clients[0].Mapping)
	assert.Nil(t, s.ClientMapping)
	assert.Equal(t, "cpp/Ice/exceptions", s.Path())

	ctl := newFakeController(nil)
	res, err := cross.Run(context.Background(), testRunContext(ctl), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "java-cpp", res.Mapping)
	insts := ctl.all()
	assert.Equal(t, "cpp", insts[0].mapping)
	assert.Equal(t, "java", insts[1].mapping)
}

func TestTestSuite_CrossClientConfiguration(t *testing.T) {
	s, err := NewTestSuite("Ice/operations", mapping.New(mapping.Cpp),
		clientServer("first", []string{"server"}, []string{"client"}))
	require.NoError(t, err)
	cross := s.CrossWith(mapping.New(mapping.JavaScript))

	ctl := newFakeController(nil)
	rc := testRunContext(ctl)
	rc.Process.Config = config.NewConfiguration().
		With(config.AxisProtocol, "wss").
		With(config.AxisSerialize, "true")
	require.NoError(t, rc.Process.Config.Set(config.AxisCompress, "true"))

	_, err = cross.Run(context.Background(), rc, RunOptions{})
	require.NoError(t, err)

	insts := ctl.all()
	require.Len(t, insts, 2)
	server, client := insts[0], insts[1]
	assert.True(t, server.config.Serialize())
	assert.Equal(t, "js", client.mapping)
	assert.Equal(t, "wss", client.config.Protocol(), "client speaks the server's transport")
	assert.True(t, client.config.Compress())
	assert.False(t, client.config.Serialize(), "client keeps its own defaults")
}

func TestTestSuite_TranscriptCapturesEcho(t *testing.T) {
	s := threeCaseSuite(t)
	ctl := newFakeController(nil)
	rc := testRunContext(ctl)
	var echo bytes.Buffer
	rc.Process.Echo = &echo

	s.Cases[0].Teardown = func(ctx context.Context, pc *process.Context) error {
		_, err := pc.Echo.Write([]byte("client done\n"))
		return err
	}

	res, err := s.Run(context.Background(), rc, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "client done\n", res.Transcript())
	assert.Equal(t, "client done\n", echo.String())
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		path    string
		want    bool
	}{
		{"no patterns", nil, nil, "cpp/Ice/operations/client-server", true},
		{"include hit", []string{"Ice/operations"}, nil, "cpp/Ice/operations/client-server", true},
		{"include miss", []string{"Ice/proxy"}, nil, "cpp/Ice/operations/client-server", false},
		{"exclude wins", []string{"Ice/"}, []string{"operations"}, "cpp/Ice/operations/client-server", false},
		{"any include", []string{"nope", "^cpp/"}, nil, "cpp/Ice/operations/client-server", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.include, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.path))
		})
	}

	var nilFilter *Filter
	assert.True(t, nilFilter.Match("anything"))

	_, err := NewFilter([]string{"("}, nil)
	assert.Error(t, err)
	_, err = NewFilter(nil, []string{"["})
	assert.Error(t, err)
}

func TestFilter_Selected(t *testing.T) {
	f, err := NewFilter([]string{"first|third"}, nil)
	require.NoError(t, err)
	got := f.Selected(threeCaseSuite(t))
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Name)
	assert.Equal(t, "third", got[1].Name)
}

func TestFilter_WithPaths(t *testing.T) {
	f, err := NewFilter(nil, []string{"third"})
	require.NoError(t, err)
	only := f.WithPaths([]string{"cpp/Ice/exceptions/second", "cpp/Ice/exceptions/third"})

	assert.False(t, only.Match("cpp/Ice/exceptions/first"))
	assert.True(t, only.Match("cpp/Ice/exceptions/second"))
	assert.False(t, only.Match("cpp/Ice/exceptions/third"), "exclusions still apply")
	assert.Nil(t, f.Only, "the receiver is not modified")

	var nilFilter *Filter
	assert.True(t, nilFilter.WithPaths([]string{"a"}).Match("a"))
}
