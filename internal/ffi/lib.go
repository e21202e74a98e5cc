// Package ffi provides purego bindings to the data-channel surface of the
// libwebrtc shim library.
package ffi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
)

var (
	// ErrLibraryNotLoaded is returned when the shim library hasn't been loaded.
	ErrLibraryNotLoaded = errors.New("libwebrtc_shim library not loaded")

	// ErrLibraryNotFound is returned when the shim library cannot be found.
	ErrLibraryNotFound = errors.New("libwebrtc_shim library not found")

	// FFI error sentinels - these match shim error codes and support errors.Is().
	ErrInvalidParam   = errors.New("invalid parameter")
	ErrInitFailed     = errors.New("initialization failed")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrNotSupported   = errors.New("not supported")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("observer already registered")
	ErrSymbolNotFound = errors.New("shim symbol not found")
)

// Error codes from shim (int32 to match C int)
const (
	ShimOK              int32 = 0
	ShimErrInvalidParam int32 = -1
	ShimErrInitFailed   int32 = -2
	ShimErrOutOfMemory  int32 = -5
	ShimErrNotSupported int32 = -6
	ShimErrNotFound     int32 = -9
	ShimErrExists       int32 = -11
)

const envShimPath = "LIBWEBRTC_SHIM_PATH"

var (
	libHandle uintptr
	libLoaded atomic.Bool // lock-free reads from callback paths
	libMu     sync.Mutex
)

// LoadLibrary loads the libwebrtc_shim shared library.
// It searches in the following locations:
// 1. Path specified by LIBWEBRTC_SHIM_PATH environment variable
// 2. ./lib/{os}_{arch}/ (relative to the executable, working dir and module)
// 3. System library paths
func LoadLibrary() error {
	libMu.Lock()
	defer libMu.Unlock()

	if libLoaded.Load() {
		return nil
	}

	libPath, ok := findLocalLibrary()
	if !ok {
		libPath = getLibraryName()
	}

	handle, err := dlopenLibrary(libPath, RTLD_NOW|RTLD_GLOBAL)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLibraryNotFound, libPath, err)
	}

	if err := registerFunctions(handle); err != nil {
		_ = dlcloseLibrary(handle)
		return err
	}

	libHandle = handle
	libLoaded.Store(true)
	logrus.WithFields(logrus.Fields{
		"path":    libPath,
		"version": ShimVersion(),
	}).Debug("libwebrtc shim loaded")
	return nil
}

// MustLoadLibrary loads the library and panics on failure. It backs the
// public datachannel.MustLoadLibrary.
func MustLoadLibrary() {
	if err := LoadLibrary(); err != nil {
		panic(fmt.Sprintf("dcbridge: %v", err))
	}
}

// IsLoaded returns true if the shim library is loaded.
func IsLoaded() bool {
	return libLoaded.Load()
}

// Close unloads the shim library.
func Close() error {
	libMu.Lock()
	defer libMu.Unlock()

	if !libLoaded.Load() {
		return nil
	}

	if err := dlcloseLibrary(libHandle); err != nil {
		return err
	}

	libLoaded.Store(false)
	libHandle = 0
	resetFunctions()
	return nil
}

// ExpectedLibWebRTCVersion is the libwebrtc version this Go code expects.
// The native DataState encoding below is validated against this release.
const ExpectedLibWebRTCVersion = "M141"

// ExpectedShimVersion is the shim API version this Go code expects.
const ExpectedShimVersion = "0.2.0"

// ErrVersionMismatch is returned when the shim version doesn't match.
var ErrVersionMismatch = errors.New("shim version mismatch")

// ShimVersion returns the shim library version.
// Returns empty string if library is not loaded.
func ShimVersion() string {
	if !libLoaded.Load() || shimVersion == nil {
		return ""
	}
	return GoString(shimVersion())
}

// LibWebRTCVersion returns the libwebrtc version the shim was built with.
// Returns empty string if library is not loaded.
func LibWebRTCVersion() string {
	if !libLoaded.Load() || shimLibwebrtcVersion == nil {
		return ""
	}
	return GoString(shimLibwebrtcVersion())
}

// CheckVersion verifies the shim version matches what this Go code expects.
func CheckVersion() error {
	if !libLoaded.Load() {
		return ErrLibraryNotLoaded
	}

	shimVer := ShimVersion()
	webrtcVer := LibWebRTCVersion()

	if shimVer != ExpectedShimVersion {
		return fmt.Errorf("%w: shim version %q, expected %q", ErrVersionMismatch, shimVer, ExpectedShimVersion)
	}
	if webrtcVer != ExpectedLibWebRTCVersion {
		return fmt.Errorf("%w: libwebrtc version %q, expected %q", ErrVersionMismatch, webrtcVer, ExpectedLibWebRTCVersion)
	}
	return nil
}

// findLocalLibrary returns the first existing candidate from
// librarySearchPaths.
func findLocalLibrary() (string, bool) {
	for _, path := range librarySearchPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		return path, true
	}
	return "", false
}

// librarySearchPaths lists shim locations in lookup order: the
// LIBWEBRTC_SHIM_PATH override, then lib/{os}_{arch}/ next to the
// executable, under the working directory and two of its parents, and at
// the module root.
func librarySearchPaths() []string {
	var paths []string
	if env := os.Getenv(envShimPath); env != "" {
		paths = append(paths, env)
	}

	rel := filepath.Join("lib", runtime.GOOS+"_"+runtime.GOARCH, getLibraryName())
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), rel))
	}
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, rel),
			filepath.Join(wd, "..", rel),
			filepath.Join(wd, "..", "..", rel),
		)
	}
	// this file lives in <root>/internal/ffi
	if _, file, _, ok := runtime.Caller(0); ok {
		root := filepath.Dir(filepath.Dir(filepath.Dir(file)))
		paths = append(paths, filepath.Join(root, rel))
	}
	return paths
}

func getLibraryName() string {
	return getLibraryNameFor(runtime.GOOS)
}

func getLibraryNameFor(goos string) string {
	switch goos {
	case "darwin":
		return "libwebrtc_shim.dylib"
	case "windows":
		return "libwebrtc_shim.dll"
	default:
		return "libwebrtc_shim.so"
	}
}

var shimErrors = map[int32]error{
	ShimErrInvalidParam: ErrInvalidParam,
	ShimErrInitFailed:   ErrInitFailed,
	ShimErrOutOfMemory:  ErrOutOfMemory,
	ShimErrNotSupported: ErrNotSupported,
	ShimErrNotFound:     ErrNotFound,
	ShimErrExists:       ErrAlreadyExists,
}

// ShimError converts a shim return code to a Go error. ShimOK maps to nil.
func ShimError(code int32) error {
	if code == ShimOK {
		return nil
	}
	if err, ok := shimErrors[code]; ok {
		return err
	}
	return fmt.Errorf("unknown shim error: %d", code)
}

// GoString copies a NUL-terminated C string into a Go string.
func GoString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr) //nolint:govet
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}
