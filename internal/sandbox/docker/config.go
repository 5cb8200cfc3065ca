package docker

import "github.com/sakif/coderunner/internal/sandbox"

// Config holds the configuration for the Docker sandbox runtime.
type Config struct {
	// Image is the default image, used for the "base" template.
	Image string
	// Templates maps additional template names to images.
	Templates map[string]string
	// MemoryLimit is the maximum amount of memory a sandbox can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a sandbox can use.
	CPULimit float64
	// PoolSize is the number of pre-warmed sandboxes kept for the default image.
	PoolSize int
	// WorkDir is where relative project files are written and commands start.
	WorkDir string
	// TmpfsSize bounds each writable mount, e.g. "64m".
	TmpfsSize string
	// NetworkMode is passed to Docker; "none" cuts the sandbox off.
	NetworkMode string
	// PullImage pulls the default image at startup.
	PullImage bool
	// MaxOutputBytes caps stdout and stderr of each command separately.
	MaxOutputBytes int
}

// DefaultConfig provides sensible defaults for a Python + Node sandbox.
func DefaultConfig() Config {
	return Config{
		Image:       "nikolaik/python-nodejs:python3.12-nodejs22-alpine",
		MemoryLimit: 256 * 1024 * 1024,
		CPULimit:    0.5,
		PoolSize:    3,
		WorkDir:     "/workspace",
		TmpfsSize:   "64m",
		NetworkMode: "none",
		PullImage:   true,

		MaxOutputBytes: sandbox.DefaultMaxOutputBytes,
	}
}

func (c Config) image(template string) string {
	if img, ok := c.Templates[template]; ok && img != "" {
		return img
	}
	return c.Image
}
