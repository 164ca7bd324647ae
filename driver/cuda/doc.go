// Package cuda implements driver.Driver on NVIDIA hardware: streams on the CUDA
// runtime, BLAS handles on cuBLAS, random generators on cuRAND, DNN handles on
// cuDNN and collective communicators on NCCL.
//
// The implementation needs cgo plus the CUDA toolkit and NCCL headers and
// libraries at build time, so all of it sits behind the "cuda" build tag:
//
//	go build -tags cuda ./...
//
// Without the tag this package compiles to just its documentation and the "cuda"
// name never reaches the driver registry; driver.Get("cuda") then fails listing
// the drivers that are available. The pure-Go driver in package host implements
// the same interface with the same call discipline, so everything above the
// driver boundary can be developed and tested without the toolkit.
//
// Like the CUDA runtime itself, the driver keeps per-thread state: the active
// device set by SetDevice belongs to the calling OS thread. Callers must lock
// their goroutine to a thread around SetDevice and the calls that depend on it,
// which is how package gpures drives construction, communicator joins and
// teardown.
package cuda
