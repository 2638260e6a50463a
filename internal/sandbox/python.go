package sandbox

// The only supported runtime is CPython with the data-analysis stack baked
// into the image. Arbitrary languages are out of scope.

// DefaultImage is the stock CPython image. Deployments that need the
// pandas/numpy/scipy stack point sandbox.image at an image that bakes it in.
const DefaultImage = "docker.io/library/python:3.12-slim"

// ScriptName is the filename the submission is written to, mounted read-only
// into the container.
const ScriptName = "script.py"

// interpreterArgs returns the command run inside the sandbox.
// -u: unbuffered output so partial stdout survives a kill.
// -B: no .pyc files (rootfs is read-only anyway).
// -I: isolated mode, ignore PYTHONPATH and user site-packages.
func interpreterArgs(codePath string) []string {
	return []string{"python3", "-u", "-B", "-I", codePath}
}
