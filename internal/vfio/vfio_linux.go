package vfio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VFIO ioctl numbers. The interface uses plain _IO(';', 100+n) encodings, so
// each command is (0x3b << 8) | nr.
const (
	vfioType = 0x3b
	vfioBase = 100

	ioctlGetAPIVersion       = vfioType<<8 | (vfioBase + 0)
	ioctlCheckExtension      = vfioType<<8 | (vfioBase + 1)
	ioctlSetIOMMU            = vfioType<<8 | (vfioBase + 2)
	ioctlGroupGetStatus      = vfioType<<8 | (vfioBase + 3)
	ioctlGroupSetContainer   = vfioType<<8 | (vfioBase + 4)
	ioctlGroupGetDeviceFD    = vfioType<<8 | (vfioBase + 6)
	ioctlDeviceGetInfo       = vfioType<<8 | (vfioBase + 7)
	ioctlDeviceGetRegionInfo = vfioType<<8 | (vfioBase + 8)
	ioctlDeviceGetIRQInfo    = vfioType<<8 | (vfioBase + 9)
	ioctlDeviceSetIRQs       = vfioType<<8 | (vfioBase + 10)
	ioctlIOMMUMapDMA         = vfioType<<8 | (vfioBase + 13)
	ioctlIOMMUUnmapDMA       = vfioType<<8 | (vfioBase + 14)
)

const (
	vfioAPIVersion = 0
	vfioType1IOMMU = 1

	groupFlagsViable = 1 << 0

	dmaMapFlagRead  = 1 << 0
	dmaMapFlagWrite = 1 << 1

	irqSetDataNone      = 1 << 0
	irqSetDataEventfd   = 1 << 2
	irqSetActionTrigger = 1 << 5
)

const (
	containerPath = "/dev/vfio/vfio"
	groupDir      = "/dev/vfio"
	sysPCIDevices = "/sys/bus/pci/devices"
)

type groupStatus struct {
	argsz uint32
	flags uint32
}

type dmaMap struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

type dmaUnmap struct {
	argsz uint32
	flags uint32
	iova  uint64
	size  uint64
}

type deviceInfo struct {
	argsz      uint32
	flags      uint32
	numRegions uint32
	numIRQs    uint32
}

type regionInfo struct {
	argsz     uint32
	flags     uint32
	index     uint32
	capOffset uint32
	size      uint64
	offset    uint64
}

type irqInfo struct {
	argsz uint32
	flags uint32
	index uint32
	count uint32
}

// irqSet carries one 32-bit data element (an eventfd, or nothing for
// DATA_NONE teardown).
type irqSet struct {
	argsz uint32
	flags uint32
	index uint32
	start uint32
	count uint32
	data  [4]byte
}

// hostKernel talks to the real /dev/vfio interface.
type hostKernel struct{}

func classify(err error) error {
	switch err {
	case unix.EPERM, unix.EACCES:
		return ErrPermission
	case unix.EBUSY:
		return ErrDeviceBusy
	}
	return err
}

func ioctl(fd int, cmd uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, arg)
	if errno != 0 {
		return 0, classify(errno)
	}
	return int(r), nil
}

func (hostKernel) OpenContainer() (int, error) {
	fd, err := unix.Open(containerPath, unix.O_RDWR, 0)
	if err != nil {
		return -1, classify(err)
	}
	return fd, nil
}

func (hostKernel) APIVersion(containerFD int) (int, error) {
	return ioctl(containerFD, ioctlGetAPIVersion, 0)
}

func (hostKernel) SupportsType1(containerFD int) (bool, error) {
	r, err := ioctl(containerFD, ioctlCheckExtension, vfioType1IOMMU)
	if err != nil {
		return false, err
	}
	return r != 0, nil
}

// GroupForDevice resolves the IOMMU group number from the device's sysfs
// entry, e.g. /sys/bus/pci/devices/0000:01:00.0/iommu_group -> ../../45.
func (hostKernel) GroupForDevice(id string) (int, error) {
	link, err := os.Readlink(filepath.Join(sysPCIDevices, id, "iommu_group"))
	if err != nil {
		return 0, classify(err)
	}
	group, err := strconv.Atoi(filepath.Base(link))
	if err != nil {
		return 0, fmt.Errorf("bad iommu_group link %q: %w", link, err)
	}
	return group, nil
}

func (hostKernel) OpenGroup(group int) (int, error) {
	fd, err := unix.Open(filepath.Join(groupDir, strconv.Itoa(group)), unix.O_RDWR, 0)
	if err != nil {
		return -1, classify(err)
	}
	return fd, nil
}

func (hostKernel) GroupViable(groupFD int) (bool, error) {
	status := groupStatus{argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if _, err := ioctl(groupFD, ioctlGroupGetStatus, uintptr(unsafe.Pointer(&status))); err != nil {
		return false, err
	}
	return status.flags&groupFlagsViable != 0, nil
}

func (hostKernel) SetContainer(groupFD, containerFD int) error {
	fd := int32(containerFD)
	_, err := ioctl(groupFD, ioctlGroupSetContainer, uintptr(unsafe.Pointer(&fd)))
	return err
}

func (hostKernel) SetIOMMU(containerFD int) error {
	_, err := ioctl(containerFD, ioctlSetIOMMU, vfioType1IOMMU)
	return err
}

func (hostKernel) MapDMA(containerFD int, iova, size uint64, vaddr uintptr) error {
	m := dmaMap{
		argsz: uint32(unsafe.Sizeof(dmaMap{})),
		flags: dmaMapFlagRead | dmaMapFlagWrite,
		vaddr: uint64(vaddr),
		iova:  iova,
		size:  size,
	}
	_, err := ioctl(containerFD, ioctlIOMMUMapDMA, uintptr(unsafe.Pointer(&m)))
	return err
}

func (hostKernel) UnmapDMA(containerFD int, iova, size uint64) error {
	u := dmaUnmap{
		argsz: uint32(unsafe.Sizeof(dmaUnmap{})),
		iova:  iova,
		size:  size,
	}
	_, err := ioctl(containerFD, ioctlIOMMUUnmapDMA, uintptr(unsafe.Pointer(&u)))
	return err
}

func (hostKernel) OpenDevice(groupFD int, id string) (int, error) {
	name, err := unix.ByteSliceFromString(id)
	if err != nil {
		return -1, err
	}
	return ioctl(groupFD, ioctlGroupGetDeviceFD, uintptr(unsafe.Pointer(&name[0])))
}

func (hostKernel) Regions(deviceFD int) ([]RegionInfo, error) {
	info := deviceInfo{argsz: uint32(unsafe.Sizeof(deviceInfo{}))}
	if _, err := ioctl(deviceFD, ioctlDeviceGetInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		return nil, err
	}

	var out []RegionInfo
	for i := uint32(0); i < info.numRegions; i++ {
		ri := regionInfo{argsz: uint32(unsafe.Sizeof(regionInfo{})), index: i}
		if _, err := ioctl(deviceFD, ioctlDeviceGetRegionInfo, uintptr(unsafe.Pointer(&ri))); err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		if ri.size == 0 {
			continue
		}
		out = append(out, RegionInfo{Index: ri.index, Size: ri.size, Offset: ri.offset})
	}
	return out, nil
}

func (hostKernel) ReadRegion(deviceFD int, region RegionInfo, off uint64, p []byte) error {
	n, err := unix.Pread(deviceFD, p, int64(region.Offset+off))
	if err != nil {
		return classify(err)
	}
	if n != len(p) {
		return fmt.Errorf("short region read: %d of %d bytes", n, len(p))
	}
	return nil
}

func (hostKernel) WriteRegion(deviceFD int, region RegionInfo, off uint64, p []byte) error {
	n, err := unix.Pwrite(deviceFD, p, int64(region.Offset+off))
	if err != nil {
		return classify(err)
	}
	if n != len(p) {
		return fmt.Errorf("short region write: %d of %d bytes", n, len(p))
	}
	return nil
}

func (hostKernel) IRQInfo(deviceFD int, index uint32) (uint32, error) {
	info := irqInfo{argsz: uint32(unsafe.Sizeof(irqInfo{})), index: index}
	if _, err := ioctl(deviceFD, ioctlDeviceGetIRQInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		return 0, err
	}
	return info.count, nil
}

func (hostKernel) SetIRQs(deviceFD int, index uint32, eventFD int) error {
	s := irqSet{
		argsz: uint32(unsafe.Sizeof(irqSet{})),
		flags: irqSetDataEventfd | irqSetActionTrigger,
		index: index,
		start: 0,
		count: 1,
	}
	binary.LittleEndian.PutUint32(s.data[:], uint32(eventFD))
	_, err := ioctl(deviceFD, ioctlDeviceSetIRQs, uintptr(unsafe.Pointer(&s)))
	return err
}

func (hostKernel) DisableIRQs(deviceFD int, index uint32) error {
	s := irqSet{
		argsz: uint32(unsafe.Sizeof(irqSet{})),
		flags: irqSetDataNone | irqSetActionTrigger,
		index: index,
		start: 0,
		count: 0,
	}
	_, err := ioctl(deviceFD, ioctlDeviceSetIRQs, uintptr(unsafe.Pointer(&s)))
	return err
}

func (hostKernel) Eventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return -1, classify(err)
	}
	return fd, nil
}

// ReadEvent consumes one eventfd counter value, blocking until the next fire.
func (hostKernel) ReadEvent(fd int) error {
	var buf [8]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return classify(err)
		}
		if n != len(buf) {
			return fmt.Errorf("short eventfd read: %d bytes", n)
		}
		return nil
	}
}

func (hostKernel) Close(fd int) error {
	return unix.Close(fd)
}
