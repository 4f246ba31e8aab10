package leases

type (
	// Checkpoint is the durable progress record for a partition. Resumption starts
	// strictly after Offset/SequenceNumber.
	Checkpoint struct {
		PartitionID    string `json:"partitionId"`
		Offset         string `json:"offset"`
		SequenceNumber int64  `json:"sequenceNumber"`
	}
)
