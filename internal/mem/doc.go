// Package mem provides aligned byte buffers and typed views over them.
//
// Device buffers handed out by the GPU memory pool are plain byte slices.
// Kernels reinterpret them as float32, float16 bits or int8 through the
// views in this package, which never copy.
package mem
