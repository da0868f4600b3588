package plugin

import (
	"context"
	"errors"

	"hackium/internal/browser"
	"hackium/internal/engine"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics returns a plugin that counts launches and page creations on reg.
// Registering twice on the same registry reuses the existing collectors.
func Metrics(reg prometheus.Registerer) Plugin {
	launches := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hackium",
		Name:      "browser_launches_total",
		Help:      "Browsers launched or attached to.",
	}))
	pages := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hackium",
		Name:      "pages_created_total",
		Help:      "Pages created, including the first page.",
	}))

	return Plugin{
		Name: "metrics",
		PostLaunch: func(context.Context, *browser.Session, engine.LaunchOptions) error {
			launches.Inc()
			return nil
		},
		PostPageCreate: func(context.Context, *browser.Session, *browser.Page) error {
			pages.Inc()
			return nil
		},
	}
}

func register(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
