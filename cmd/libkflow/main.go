// Command libkflow is the KernelFlow interposer, built as a shared object
// and loaded by the dynamic linker as an rtld-audit module:
//
//	go build -buildmode=c-shared -o libkflow.so ./cmd/libkflow
//	LD_AUDIT=$PWD/libkflow.so ./program
//
// Configuration comes from KFLOW_CONFIG and the KFLOW_* environment
// variables.
package main

func main() {}
