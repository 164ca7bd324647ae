//go:build cuda

package cuda

/*
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include <curand.h>
#include <cudnn.h>
#include <nccl.h>
*/
import "C"

import "github.com/pkg/errors"

// Each helper turns one library's status code into an error, nil on success.
// cuBLAS and cuRAND ship no error-string function that exists across the toolkit
// versions we build against, so their status names are spelled out.

func cudaErr(st C.cudaError_t) error {
	if st == C.cudaSuccess {
		return nil
	}
	return errors.Errorf("CUDA runtime error %d: %s", int(st), C.GoString(C.cudaGetErrorString(st)))
}

func blasErr(st C.cublasStatus_t) error {
	if st == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	return errors.Errorf("cuBLAS error %d: %s", int(st), cublasStatusName(st))
}

func cublasStatusName(st C.cublasStatus_t) string {
	switch st {
	case C.CUBLAS_STATUS_NOT_INITIALIZED:
		return "CUBLAS_STATUS_NOT_INITIALIZED"
	case C.CUBLAS_STATUS_ALLOC_FAILED:
		return "CUBLAS_STATUS_ALLOC_FAILED"
	case C.CUBLAS_STATUS_INVALID_VALUE:
		return "CUBLAS_STATUS_INVALID_VALUE"
	case C.CUBLAS_STATUS_ARCH_MISMATCH:
		return "CUBLAS_STATUS_ARCH_MISMATCH"
	case C.CUBLAS_STATUS_MAPPING_ERROR:
		return "CUBLAS_STATUS_MAPPING_ERROR"
	case C.CUBLAS_STATUS_EXECUTION_FAILED:
		return "CUBLAS_STATUS_EXECUTION_FAILED"
	case C.CUBLAS_STATUS_INTERNAL_ERROR:
		return "CUBLAS_STATUS_INTERNAL_ERROR"
	case C.CUBLAS_STATUS_NOT_SUPPORTED:
		return "CUBLAS_STATUS_NOT_SUPPORTED"
	case C.CUBLAS_STATUS_LICENSE_ERROR:
		return "CUBLAS_STATUS_LICENSE_ERROR"
	}
	return "unknown cuBLAS status"
}

func curandErr(st C.curandStatus_t) error {
	if st == C.CURAND_STATUS_SUCCESS {
		return nil
	}
	return errors.Errorf("cuRAND error %d: %s", int(st), curandStatusName(st))
}

func curandStatusName(st C.curandStatus_t) string {
	switch st {
	case C.CURAND_STATUS_VERSION_MISMATCH:
		return "CURAND_STATUS_VERSION_MISMATCH"
	case C.CURAND_STATUS_NOT_INITIALIZED:
		return "CURAND_STATUS_NOT_INITIALIZED"
	case C.CURAND_STATUS_ALLOCATION_FAILED:
		return "CURAND_STATUS_ALLOCATION_FAILED"
	case C.CURAND_STATUS_TYPE_ERROR:
		return "CURAND_STATUS_TYPE_ERROR"
	case C.CURAND_STATUS_OUT_OF_RANGE:
		return "CURAND_STATUS_OUT_OF_RANGE"
	case C.CURAND_STATUS_LENGTH_NOT_MULTIPLE:
		return "CURAND_STATUS_LENGTH_NOT_MULTIPLE"
	case C.CURAND_STATUS_DOUBLE_PRECISION_REQUIRED:
		return "CURAND_STATUS_DOUBLE_PRECISION_REQUIRED"
	case C.CURAND_STATUS_LAUNCH_FAILURE:
		return "CURAND_STATUS_LAUNCH_FAILURE"
	case C.CURAND_STATUS_PREEXISTING_FAILURE:
		return "CURAND_STATUS_PREEXISTING_FAILURE"
	case C.CURAND_STATUS_INITIALIZATION_FAILED:
		return "CURAND_STATUS_INITIALIZATION_FAILED"
	case C.CURAND_STATUS_ARCH_MISMATCH:
		return "CURAND_STATUS_ARCH_MISMATCH"
	case C.CURAND_STATUS_INTERNAL_ERROR:
		return "CURAND_STATUS_INTERNAL_ERROR"
	}
	return "unknown cuRAND status"
}

func dnnErr(st C.cudnnStatus_t) error {
	if st == C.CUDNN_STATUS_SUCCESS {
		return nil
	}
	return errors.Errorf("cuDNN error %d: %s", int(st), C.GoString(C.cudnnGetErrorString(st)))
}

func ncclErr(st C.ncclResult_t) error {
	if st == C.ncclSuccess {
		return nil
	}
	return errors.Errorf("NCCL error %d: %s", int(st), C.GoString(C.ncclGetErrorString(st)))
}
