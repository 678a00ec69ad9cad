//go:build cuda

// Package native holds the cgo bindings the cuda engine dispatches through:
// streams, device and pinned host buffers, and the cublas GEMM entry point.
// All raw-pointer handling of the engine is confined to this package.
package native

/*
#cgo LDFLAGS: -lcudart -lcublas

// Minimal CUDA runtime forward declarations to avoid requiring headers at
// compile time. The linker still requires libcudart and libcublas when
// building with the cuda tag.
typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);

// cudaDeviceProp begins with char name[256]; the padded tail absorbs the
// rest of the struct across CUDA versions.
typedef struct {
	char name[256];
	char pad[4096];
} anvilDevProp;
extern cudaError_t cudaGetDeviceProperties_v2(anvilDevProp* prop, int device);

#define ANVIL_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define ANVIL_CUDA_MEMCPY_DEVICE_TO_HOST 2

typedef struct cublasContext* cublasHandle_t;
typedef int cublasStatus_t;

extern cublasStatus_t cublasCreate_v2(cublasHandle_t* handle);
extern cublasStatus_t cublasDestroy_v2(cublasHandle_t handle);
extern cublasStatus_t cublasSetStream_v2(cublasHandle_t handle, cudaStream_t stream);
extern cublasStatus_t cublasGemmEx(
	cublasHandle_t handle,
	int transa,
	int transb,
	int m,
	int n,
	int k,
	const void* alpha,
	const void* A,
	int Atype,
	int lda,
	const void* B,
	int Btype,
	int ldb,
	const void* beta,
	void* C,
	int Ctype,
	int ldc,
	int computeType,
	int algo);

static const char* anvilCudaGetErrorString(cudaError_t err) {
	return cudaGetErrorString(err);
}

static int anvilCudaGetDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int anvilCudaDeviceName(int device, anvilDevProp* prop) {
	return (int)cudaGetDeviceProperties_v2(prop, device);
}

static int anvilCudaStreamCreate(cudaStream_t* out) {
	return (int)cudaStreamCreate(out);
}

static int anvilCudaStreamDestroy(cudaStream_t stream) {
	return (int)cudaStreamDestroy(stream);
}

static int anvilCudaStreamSynchronize(cudaStream_t stream) {
	return (int)cudaStreamSynchronize(stream);
}

static int anvilCudaMalloc(void** ptr, unsigned long long size) {
	return (int)cudaMalloc(ptr, size);
}

static int anvilCudaFree(void* ptr) {
	return (int)cudaFree(ptr);
}

static int anvilCudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream) {
	return (int)cudaMemcpyAsync(dst, src, size, kind, stream);
}

static int anvilCudaMallocHost(void** ptr, unsigned long long size) {
	return (int)cudaMallocHost(ptr, size);
}

static int anvilCudaFreeHost(void* ptr) {
	return (int)cudaFreeHost(ptr);
}

static int anvilCublasCreate(cublasHandle_t* out) {
	return (int)cublasCreate_v2(out);
}

static int anvilCublasDestroy(cublasHandle_t handle) {
	return (int)cublasDestroy_v2(handle);
}

static int anvilCublasSetStream(cublasHandle_t handle, cudaStream_t stream) {
	return (int)cublasSetStream_v2(handle, stream);
}

static int anvilCublasGemmEx(
	cublasHandle_t handle,
	int transa,
	int transb,
	int m,
	int n,
	int k,
	const void* alpha,
	const void* A,
	int Atype,
	int lda,
	const void* B,
	int Btype,
	int ldb,
	const void* beta,
	void* C,
	int Ctype,
	int ldc,
	int computeType,
	int algo) {
	return (int)cublasGemmEx(handle, transa, transb, m, n, k, alpha, A, Atype, lda, B, Btype, ldb, beta, C, Ctype, ldc, computeType, algo);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type Stream struct {
	ptr C.cudaStream_t
}

type BlasHandle struct {
	ptr C.cublasHandle_t
}

type DeviceBuffer struct {
	ptr unsafe.Pointer
}

type HostBuffer struct {
	ptr unsafe.Pointer
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.anvilCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeviceName returns the CUDA device name used in hardware-target strings.
func DeviceName(device int) (string, error) {
	var prop C.anvilDevProp
	if err := cudaErr(C.anvilCudaDeviceName(C.int(device), &prop)); err != nil {
		return "", err
	}
	return C.GoString(&prop.name[0]), nil
}

func NewStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := cudaErr(C.anvilCudaStreamCreate(&stream)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: stream}, nil
}

// WrapStream adopts an externally supplied cudaStream_t token; the zero
// token selects the default stream.
func WrapStream(token uintptr) Stream {
	return Stream{ptr: C.cudaStream_t(unsafe.Pointer(token))}
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.anvilCudaStreamDestroy(s.ptr))
}

func (s Stream) Synchronize() error {
	return cudaErr(C.anvilCudaStreamSynchronize(s.ptr))
}

func AllocDevice(bytes int64) (DeviceBuffer, error) {
	if bytes <= 0 {
		return DeviceBuffer{}, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.anvilCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: ptr}, nil
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.anvilCudaFree(b.ptr))
}

func (b DeviceBuffer) Ptr() unsafe.Pointer {
	return b.ptr
}

func AllocHostPinned(bytes int64) (HostBuffer, error) {
	if bytes <= 0 {
		return HostBuffer{}, fmt.Errorf("host alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.anvilCudaMallocHost((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return HostBuffer{}, err
	}
	return HostBuffer{ptr: ptr}, nil
}

func (b HostBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.anvilCudaFreeHost(b.ptr))
}

func (b HostBuffer) Ptr() unsafe.Pointer {
	return b.ptr
}

func MemcpyH2DAsync(dst DeviceBuffer, src unsafe.Pointer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.anvilCudaMemcpyAsync(dst.ptr, src, C.ulonglong(bytes), C.ANVIL_CUDA_MEMCPY_HOST_TO_DEVICE, stream.ptr))
}

func MemcpyD2HAsync(dst unsafe.Pointer, src DeviceBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.anvilCudaMemcpyAsync(dst, src.ptr, C.ulonglong(bytes), C.ANVIL_CUDA_MEMCPY_DEVICE_TO_HOST, stream.ptr))
}

func NewBlasHandle(stream Stream) (BlasHandle, error) {
	var handle C.cublasHandle_t
	if err := cublasErr(C.anvilCublasCreate(&handle)); err != nil {
		return BlasHandle{}, err
	}
	if err := cublasErr(C.anvilCublasSetStream(handle, stream.ptr)); err != nil {
		_ = cublasErr(C.anvilCublasDestroy(handle))
		return BlasHandle{}, err
	}
	return BlasHandle{ptr: handle}, nil
}

func (h BlasHandle) Destroy() error {
	if h.ptr == nil {
		return nil
	}
	return cublasErr(C.anvilCublasDestroy(h.ptr))
}

// SetStream rebinds the handle to another execution stream.
func (h BlasHandle) SetStream(stream Stream) error {
	return cublasErr(C.anvilCublasSetStream(h.ptr, stream.ptr))
}

type BlasDataType int

const (
	BlasF16  BlasDataType = 2  // CUDA_R_16F
	BlasBF16 BlasDataType = 14 // CUDA_R_16BF
	BlasF32  BlasDataType = 0  // CUDA_R_32F
)

type BlasComputeType int

const (
	BlasComputeF32 BlasComputeType = 68 // CUBLAS_COMPUTE_32F
)

type BlasOp int

const (
	BlasOpN BlasOp = 0 // CUBLAS_OP_N
	BlasOpT BlasOp = 1 // CUBLAS_OP_T
)

type BlasGemmAlgo int

const (
	BlasGemmDefault BlasGemmAlgo = -1 // CUBLAS_GEMM_DEFAULT
)

func GemmEx(handle BlasHandle, transA, transB BlasOp, m, n, k int, alpha float32, a DeviceBuffer, aType BlasDataType, lda int, b DeviceBuffer, bType BlasDataType, ldb int, beta float32, c DeviceBuffer, cType BlasDataType, ldc int, compute BlasComputeType, algo BlasGemmAlgo) error {
	alphaPtr := unsafe.Pointer(&alpha)
	betaPtr := unsafe.Pointer(&beta)
	return cublasErr(C.anvilCublasGemmEx(
		handle.ptr,
		C.int(transA),
		C.int(transB),
		C.int(m),
		C.int(n),
		C.int(k),
		alphaPtr,
		a.ptr,
		C.int(aType),
		C.int(lda),
		b.ptr,
		C.int(bType),
		C.int(ldb),
		betaPtr,
		c.ptr,
		C.int(cType),
		C.int(ldc),
		C.int(compute),
		C.int(algo),
	))
}

func cublasErr(code C.int) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("cublas error %d", int(code))
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.anvilCudaGetErrorString(C.cudaError_t(code)))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
