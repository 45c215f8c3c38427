//go:build windows

package fileid

import (
	"strconv"

	"golang.org/x/sys/windows"

	"github.com/booru/core/internal/models"
)

// resolve uses the NTFS volume serial number and file index as the stable
// identity pair, the Windows analogue of device+inode.
func resolve(path string) (*models.FileIdentity, bool) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, false
	}
	h, err := windows.CreateFile(p, 0, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return nil, false
	}
	defer windows.CloseHandle(h)

	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		return nil, false
	}

	fileIndex := uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow)
	return &models.FileIdentity{
		Device: strconv.FormatUint(uint64(info.VolumeSerialNumber), 10),
		Value:  strconv.FormatUint(fileIndex, 10),
	}, true
}
