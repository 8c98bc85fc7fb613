//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"github.com/bda-association/bda-portal/internal/app"
)

func InitializeApp() (*app.App, error) {
	panic(wire.Build(
		ConfigSet,
		ObservabilitySet,
		RuntimeInfraSet,
		RepositorySet,
		SecuritySet,
		IntegrationSet,
		ServiceSet,
		HTTPSet,
		WorkerSet,
		AppSet,
	))
}

func InitializeToolkit() (*Toolkit, error) {
	panic(wire.Build(
		ConfigSet,
		ObservabilitySet,
		RuntimeInfraSet,
		RepositorySet,
		SecuritySet,
		IntegrationSet,
		ServiceSet,
		WorkerSet,
		ToolkitSet,
	))
}
