//go:build ignore

package abi

/*
#include <stdint.h>
#include <cupti.h>
#include <cupti_activity.h>
#include <cupti_checkpoint.h>

typedef CUpti_Checkpoint kflow_checkpoint_t;
static const size_t kflow_checkpoint_struct_size = CUpti_Checkpoint_STRUCT_SIZE;
*/
import "C"

type Checkpoint C.kflow_checkpoint_t
type ActivityAPI C.CUpti_ActivityAPI

const CheckpointStructSize = C.kflow_checkpoint_struct_size
const ActivityAPIStructSize = C.sizeof_CUpti_ActivityAPI

const SizeofCheckpoint = C.sizeof_kflow_checkpoint_t
const SizeofActivityAPI = C.sizeof_CUpti_ActivityAPI

const ActivityKindMemcpy = C.CUPTI_ACTIVITY_KIND_MEMCPY
const ActivityKindMemset = C.CUPTI_ACTIVITY_KIND_MEMSET
const ActivityKindKernel = C.CUPTI_ACTIVITY_KIND_KERNEL
const ActivityKindDriver = C.CUPTI_ACTIVITY_KIND_DRIVER
const ActivityKindRuntime = C.CUPTI_ACTIVITY_KIND_RUNTIME
