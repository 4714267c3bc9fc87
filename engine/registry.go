package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Well-known backend names. The registry is open: any configured name
// works, these are just the conventional ones.
const (
	BackendAuto       = "auto"
	BackendPipeline   = "pipeline"
	BackendMarkitdown = "markitdown"
	BackendSensevoice = "sensevoice"
	BackendVideo      = "video"
	BackendFasta      = "fasta"
	BackendGenbank    = "genbank"
)

// Registry resolves backend names to engine adapters.
type Registry struct {
	engines map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

func (r *Registry) Register(e Engine) {
	r.engines[strings.ToLower(e.Name())] = e
}

// Resolve returns the adapter for a backend name. The "auto" router must be
// resolved to a concrete backend first (see ResolveAuto).
func (r *Registry) Resolve(backend string) (Engine, error) {
	e, ok := r.engines[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
	return e, nil
}

// Names lists registered backends, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var autoRoutes = map[string]string{
	".pdf":  BackendPipeline,
	".png":  BackendPipeline,
	".jpg":  BackendPipeline,
	".jpeg": BackendPipeline,
	".bmp":  BackendPipeline,
	".tiff": BackendPipeline,
	".tif":  BackendPipeline,
	".webp": BackendPipeline,

	".wav":  BackendSensevoice,
	".mp3":  BackendSensevoice,
	".m4a":  BackendSensevoice,
	".flac": BackendSensevoice,
	".ogg":  BackendSensevoice,

	".mp4": BackendVideo,
	".mkv": BackendVideo,
	".avi": BackendVideo,
	".mov": BackendVideo,

	".fasta": BackendFasta,
	".fa":    BackendFasta,
	".fna":   BackendFasta,

	".gb":  BackendGenbank,
	".gbk": BackendGenbank,
}

// ResolveAuto routes the "auto" backend to a concrete engine by file
// extension. PDFs and images go to the GPU pipeline; anything unrecognized
// falls back to markitdown, which handles the Office/HTML/text long tail.
func ResolveAuto(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if backend, ok := autoRoutes[ext]; ok {
		return backend
	}
	return BackendMarkitdown
}
