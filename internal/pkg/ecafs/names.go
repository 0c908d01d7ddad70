package ecafs

import (
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

var driveLetter = regexp.MustCompile(`^([A-Za-z]):[\\/]?`)

// S3CompatibleName rewrites a local path into a form usable as an object key:
// drive letters become a directory, separators become forward slashes.
func S3CompatibleName(name string) string {
	out := driveLetter.ReplaceAllString(name, "$1/")
	out = strings.ReplaceAll(out, "\\", "/")
	if out != name {
		log.Debugf("using name %q instead of %q for S3 and URL compatibility", out, name)
	}
	return out
}

// S3CompatibleBucket applies the stricter bucket naming rules on top of
// S3CompatibleName.
func S3CompatibleBucket(name string) string {
	out := strings.ToLower(S3CompatibleName(name))
	out = strings.ReplaceAll(out, "_", "-")
	if out != name {
		log.Infof("using bucket name %q instead of %q", out, name)
	}
	return out
}
