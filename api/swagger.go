package api

import (
	_ "medgate/docs" // registers the API description

	httpSwagger "github.com/swaggo/http-swagger"
)

// registerDocs serves the API description and its UI under /swagger/.
// These paths are outside the route table, so admission treats them as
// public.
func (a *API) registerDocs() {
	a.router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)
}
