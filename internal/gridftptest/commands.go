package gridftptest

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/marmos91/gridftp/internal/protocol/ftp"
)

func (c *conn) opts(arg string) {
	cmd, rest, _ := strings.Cut(arg, " ")
	if !strings.EqualFold(cmd, "RETR") {
		c.reply(501, "Unsupported option %s.", cmd)
		return
	}
	n, err := ftp.ParseOptsParallelism(rest)
	if err != nil {
		c.reply(501, "Invalid option: %v.", err)
		return
	}
	c.parallelism = n
	c.reply(200, "Parallel streams set to %d.", n)
}

func (c *conn) site(arg string) {
	sub, rest, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(sub) {
	case "SETDISKSTACK":
		c.reply(200, "Disk stack set to %s.", rest)
	case "CHMOD":
		modeStr, path, ok := strings.Cut(rest, " ")
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if !ok || err != nil {
			c.reply(501, "Usage: SITE CHMOD <mode> <path>.")
			return
		}
		if err := c.srv.FS.Chmod(path, os.FileMode(mode)); err != nil {
			c.reply(550, "%s: %v.", path, err)
			return
		}
		c.reply(200, "Permissions changed.")
	default:
		c.reply(504, "Unknown SITE command %s.", sub)
	}
}

func (c *conn) mlst(path string) {
	fi, err := c.srv.FS.Stat(path)
	if err != nil {
		c.reply(550, "%s: No such file or directory.", path)
		return
	}
	kind := "file"
	if fi.IsDir() {
		kind = "dir"
	}
	c.raw("250-Listing " + path + "\r\n" +
		" type=" + kind + ";size=" + strconv.FormatInt(fi.Size(), 10) +
		";UNIX.mode=" + strconv.FormatUint(uint64(fi.Mode().Perm()), 8) + "; " + path + "\r\n" +
		"250 End.\r\n")
}

// cksm serves "CKSM MD5 <offset> <length> <path>".
func (c *conn) cksm(arg string) {
	f := strings.SplitN(arg, " ", 4)
	if len(f) != 4 {
		c.reply(501, "Usage: CKSM <algorithm> <offset> <length> <path>.")
		return
	}
	if !strings.EqualFold(f[0], ftp.ChecksumMD5) {
		c.reply(504, "Unsupported checksum algorithm %s.", f[0])
		return
	}
	off, err1 := strconv.ParseInt(f[1], 10, 64)
	length, err2 := strconv.ParseInt(f[2], 10, 64)
	if err1 != nil || err2 != nil || off < 0 || length < -1 {
		c.reply(501, "Invalid checksum range.")
		return
	}

	file, err := c.srv.FS.Open(f[3])
	if err != nil {
		c.reply(550, "%s: No such file.", f[3])
		return
	}
	defer file.Close()

	var r io.Reader = io.NewSectionReader(file, off, 1<<62)
	if length >= 0 {
		r = io.LimitReader(r, length)
	}
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		c.reply(451, "Checksum failed: %v.", err)
		return
	}
	c.reply(213, "%s", hex.EncodeToString(h.Sum(nil)))
}

func (c *conn) mkd(path string) {
	if _, err := c.srv.FS.Stat(path); err == nil {
		c.reply(550, "%s: File exists.", path)
		return
	}
	if err := c.srv.FS.Mkdir(path, 0o755); err != nil {
		c.reply(550, "%s: %v.", path, err)
		return
	}
	c.reply(257, "%q created.", path)
}

func (c *conn) rmd(path string) {
	fi, err := c.srv.FS.Stat(path)
	if err != nil || !fi.IsDir() {
		c.reply(550, "%s: No such directory.", path)
		return
	}
	entries, err := afero.ReadDir(c.srv.FS, path)
	if err != nil || len(entries) > 0 {
		c.reply(550, "%s: Directory not empty.", path)
		return
	}
	if err := c.srv.FS.Remove(path); err != nil {
		c.reply(550, "%s: %v.", path, err)
		return
	}
	c.reply(250, "Directory removed.")
}

func (c *conn) dele(path string) {
	fi, err := c.srv.FS.Stat(path)
	if err != nil || fi.IsDir() {
		c.reply(550, "%s: No such file.", path)
		return
	}
	if err := c.srv.FS.Remove(path); err != nil {
		c.reply(550, "%s: %v.", path, err)
		return
	}
	c.reply(250, "File deleted.")
}

func (c *conn) rnfr(path string) {
	if _, err := c.srv.FS.Stat(path); err != nil {
		c.renameFrom = ""
		c.reply(550, "%s: No such file or directory.", path)
		return
	}
	c.renameFrom = path
	c.reply(350, "Ready for destination name.")
}

func (c *conn) rnto(path string) {
	if c.renameFrom == "" {
		c.reply(503, "RNFR required first.")
		return
	}
	from := c.renameFrom
	c.renameFrom = ""
	if err := c.srv.FS.Rename(from, path); err != nil {
		c.reply(550, "Rename failed: %v.", err)
		return
	}
	c.reply(250, "Rename successful.")
}
