//go:build linux

package device

import (
	"github.com/c35s/ipiq/chq"
	"github.com/c35s/ipiq/client"
	"github.com/c35s/ipiq/shmem"
)

// Offsets of the shared memory in a channel file. The queues sit at the default
// high queue address, the status register at the default status address.
const (
	FileQueuesOffset = 0x0000
	FileStatusOffset = 0x2000
	FileSize         = 0x3000
)

// MapFile maps the channel queues and the status register from a file shared by
// a client and a device process. If path is empty, both are backed by memfds only
// this process can see.
func MapFile(path string, create bool) (shmem.Regions, error) {
	queues, err := shmem.Map(shmem.Config{
		Path:   path,
		Name:   "ipiq-queues",
		Base:   client.DefaultHighQueueAddr,
		Size:   2 * chq.SizeofQueue,
		Offset: FileQueuesOffset,
		Create: create,
	})

	if err != nil {
		return nil, err
	}

	status, err := shmem.Map(shmem.Config{
		Path:   path,
		Name:   "ipiq-status",
		Base:   client.DefaultStatusAddr,
		Size:   FileSize - FileStatusOffset,
		Offset: FileStatusOffset,
		Create: create,
	})

	if err != nil {
		queues.Close()
		return nil, err
	}

	return shmem.Regions{queues, status}, nil
}
