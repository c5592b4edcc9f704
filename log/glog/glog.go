// Package glog adapts github.com/golang/glog to cachekit.Logger. glog has
// no structured-fields API, so Fields are rendered inline, the same
// convention microcosm-collective-microcosm's cache/memcache.go uses when
// it logs glog.Errorf("enc.Encode(&data) %+v", err) — fields after the
// message, formatted with %+v.
package glog

import (
	"github.com/go-cachekit/cachekit"
	"github.com/golang/glog"
)

// Logger adapts glog's package-level V/Info/Warning/Error funcs.
type Logger struct{}

var _ cachekit.Logger = Logger{}

func (Logger) Debug(msg string, f cachekit.Fields) {
	if glog.V(1) {
		glog.Infof("%s %+v", msg, f)
	}
}

func (Logger) Info(msg string, f cachekit.Fields) {
	glog.Infof("%s %+v", msg, f)
}

func (Logger) Warn(msg string, f cachekit.Fields) {
	glog.Warningf("%s %+v", msg, f)
}

func (Logger) Error(msg string, f cachekit.Fields) {
	glog.Errorf("%s %+v", msg, f)
}
