package virtio

// Device status bits, virtio 1.0 section 2.1. The values are fixed on the
// wire and shared by both transport generations.
const (
	VIRTIO_STATUS_ACKNOWLEDGE = 1 << 0
	VIRTIO_STATUS_DRIVER      = 1 << 1
	VIRTIO_STATUS_DRIVER_OK   = 1 << 2
	VIRTIO_STATUS_FEATURES_OK = 1 << 3
)

// ISR status bits, virtio 1.0 section 4.1.4.5. The register is a bit
// field, not an exclusive enum: both bits can be set on one interrupt.
const (
	VIRTIO_ISR_QUEUE_INT   = 1 << 0
	VIRTIO_ISR_DEV_CFG_INT = 1 << 1
)

// VIRTIO_F_VERSION_1 indicates virtio 1.0 (non-legacy) operation.
const VIRTIO_F_VERSION_1 = uint32(32)
