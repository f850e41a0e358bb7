/*
Package service exposes the HTTP API.

Endpoints:

	POST   /upload                                    multipart import, returns 202 + documentId
	GET    /upload-status?index=&documentId=&logs=    pipeline status, ready flag, optional logs
	POST   /search                                    semantic search with DNF tag filters
	POST   /ask                                       grounded question answering
	GET    /indexes                                   list collections
	DELETE /indexes/{index}                           drop a collection and its documents
	DELETE /indexes/{index}/documents/{documentId}    drop one document
	GET    /healthz                                   liveness
	GET    /metrics                                   Prometheus

Errors map to status codes through the errdefs taxonomy: validation is
400, not found 404, configuration 422, everything else 500.
*/
package service
