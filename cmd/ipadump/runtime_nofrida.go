//go:build nofrida

package main

import (
	"errors"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/frida"
	"github.com/sirupsen/logrus"
)

// newRuntime 不带 frida-core 的构建只用于测试
func newRuntime(logger logrus.FieldLogger) (frida.Runtime, error) {
	return nil, domain.NewFridaError("new_runtime", errors.New("built with the nofrida tag"))
}
