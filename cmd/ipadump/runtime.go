//go:build !nofrida

package main

import (
	"github.com/ipa-dump/ipa-dump-go/internal/frida"
	"github.com/ipa-dump/ipa-dump-go/internal/frida/native"
	"github.com/sirupsen/logrus"
)

func newRuntime(logger logrus.FieldLogger) (frida.Runtime, error) {
	return native.NewRuntime(logger), nil
}
