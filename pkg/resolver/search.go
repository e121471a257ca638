package resolver

import (
	"os"
	"path/filepath"
)

// EnvCudaHome points at a CUDA toolkit installation.
const EnvCudaHome = "CUDA_HOME"

var driverLocations = []string{
	"/usr/local/cuda/compat/libcuda.so",
	"/usr/lib/x86_64-linux-gnu/libcuda.so",
	"/usr/lib/x86_64-linux-gnu/libcuda.so.1",
	"/usr/lib64/libcuda.so",
	"/usr/lib64/libcuda.so.1",
	"/usr/local/cuda/targets/x86_64-linux/lib/stubs/libcuda.so",
}

var cuptiLocations = []string{
	"/usr/local/cuda/extras/CUPTI/lib64/libcupti.so",
	"/usr/local/cuda/targets/x86_64-linux/lib/libcupti.so",
	"/usr/lib/x86_64-linux-gnu/libcupti.so",
}

// DriverCandidates returns the paths probed for libcuda, in order: explicit
// paths first, then $CUDA_HOME/compat, then the usual system locations.
func DriverCandidates(explicit ...string) []string {
	var home []string
	if h := os.Getenv(EnvCudaHome); h != "" {
		home = append(home, filepath.Join(h, "compat", "libcuda.so"))
	}
	return candidates(explicit, home, driverLocations)
}

// CuptiCandidates returns the paths probed for libcupti.
func CuptiCandidates(explicit ...string) []string {
	var home []string
	if h := os.Getenv(EnvCudaHome); h != "" {
		home = append(home,
			filepath.Join(h, "extras", "CUPTI", "lib64", "libcupti.so"),
			filepath.Join(h, "lib64", "libcupti.so"),
		)
	}
	return candidates(explicit, home, cuptiLocations)
}

func candidates(groups ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range groups {
		for _, p := range g {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// FindLibrary returns the first candidate that exists on disk.
func FindLibrary(paths []string) (string, bool) {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}
