//go:build unix

package fileid

import (
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/booru/core/internal/models"
)

func resolve(path string) (*models.FileIdentity, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, false
	}
	return &models.FileIdentity{
		Device: strconv.FormatUint(uint64(st.Dev), 10),
		Value:  strconv.FormatUint(uint64(st.Ino), 10),
	}, true
}
