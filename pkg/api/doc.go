/*
Package api exposes the engine over HTTP following OGC API — Processes.

Routes:

	GET    /                          landing page
	GET    /conformance               conformance classes
	GET    /health                    liveness + queue depth
	GET    /metrics                   prometheus metrics

	GET    /processes                 process list (visibility, provider, paging)
	POST   /processes                 deploy (raw CWL or OGC deploy document)
	GET    /processes/{id}            process description
	PUT    /processes/{id}            replace
	DELETE /processes/{id}            undeploy
	POST   /processes/{id}/execution  execute; Prefer: respond-async selects async

	GET    /jobs                      job list (status, processID, providerID,
	                                  notificationEmail, tags, datetime, groupBy)
	GET    /jobs/{id}                 status document
	DELETE /jobs/{id}                 dismiss (410 when already terminal)
	GET    /jobs/{id}/inputs          submitted inputs
	GET    /jobs/{id}/inputs/*        one staged input file (remote dispatch)
	GET    /jobs/{id}/results         results document
	GET    /jobs/{id}/outputs         collected output files
	GET    /jobs/{id}/outputs/*       one collected output file
	GET    /jobs/{id}/logs            ordered log stream (JSON or text/plain)
	GET    /jobs/{id}/exceptions      recorded failures

	GET    /providers                 provider list
	POST   /providers                 register (probes the endpoint)
	DELETE /providers/{id}            unregister
	GET    /providers/{id}/processes  proxy offering list
	GET    /providers/{id}/processes/{pid}  proxy describe
	GET    /quotations, /quotations/{id}    stored cost estimates

Errors render as OGC exception documents; the status code derives from the
fault kind (422 validation, 404 not found, 409 conflict, 403 policy,
503 unavailable, 500 otherwise).
*/
package api
