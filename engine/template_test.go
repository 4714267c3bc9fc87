package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestValidateTemplate(t *testing.T) {
	cases := []struct {
		name     string
		template string
		ok       bool
	}{
		{"typical", "mineru-parse --source {input} --dest {output_dir}", true},
		{"input only", "markitdown-convert {input}", true},
		{"quoted arg", `parse --label "two words" {input}`, true},
		{"missing input placeholder", "mineru-parse --dest {output_dir}", false},
		{"shell metacharacters", "parse {input} && rm -rf /", false},
		{"subshell", "parse {input} $(whoami)", false},
		{"unbalanced quote", `parse "{input}`, false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTemplate(tc.template)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestExpandTemplate(t *testing.T) {
	args, err := SplitTemplate("parse --source {input} --dest {output_dir}")
	require.NoError(t, err)

	out := expandTemplate(args, "/up/t1/a.pdf", "/out/t1")
	assert.Equal(t, []string{"parse", "--source", "/up/t1/a.pdf", "--dest", "/out/t1"}, out)
}

func TestExpandTemplateAppendsOutputDir(t *testing.T) {
	args, err := SplitTemplate("convert {input}")
	require.NoError(t, err)

	out := expandTemplate(args, "in.docx", "/out/t2")
	assert.Equal(t, []string{"convert", "in.docx", "/out/t2"}, out)
}

func TestResolveAuto(t *testing.T) {
	cases := map[string]string{
		"paper.pdf":    BackendPipeline,
		"scan.PNG":     BackendPipeline,
		"meeting.wav":  BackendSensevoice,
		"podcast.mp3":  BackendSensevoice,
		"lecture.mp4":  BackendVideo,
		"genome.fasta": BackendFasta,
		"plasmid.gbk":  BackendGenbank,
		"report.docx":  BackendMarkitdown,
		"README":       BackendMarkitdown,
	}
	for file, want := range cases {
		assert.Equal(t, want, ResolveAuto(file), "file %s", file)
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	eng, err := NewCommandEngine("pipeline", "parse {input} --dest {output_dir}", nil, nil, 0, testLogger())
	require.NoError(t, err)
	r.Register(eng)

	got, err := r.Resolve("Pipeline")
	require.NoError(t, err)
	assert.Equal(t, "pipeline", got.Name())

	_, err = r.Resolve("nope")
	assert.Error(t, err)

	assert.Equal(t, []string{"pipeline"}, r.Names())
}

func TestFindArtifacts(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "doc", "auto")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "doc.md"), []byte("# d"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "doc.json"), []byte("{}"), 0o644))

	res, err := findArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("doc", "auto", "doc.md"), res.MarkdownFile)
	assert.Equal(t, filepath.Join("doc", "auto", "doc.json"), res.JSONFile)
}

func TestFindArtifactsRequiresMarkdown(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "only.json"), []byte("{}"), 0o644))

	_, err := findArtifacts(dir)
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(Transientf("oom")))
	assert.False(t, IsTransient(Permanentf("bad input")))
	assert.False(t, IsTransient(os.ErrNotExist))
	assert.False(t, IsTransient(nil))
}
