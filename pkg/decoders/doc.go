/*
Package decoders turns uploaded files into ordered text sections for the
extraction handler.

A Registry maps mime types to Decoder implementations. Built-ins cover
plain text, markdown, HTML (visible text only), and PDF (one section per
page). Image types require an OCREngine to be registered; without one,
importing an image fails the pipeline with a validation error naming the
missing decoder.

Decoders never guess at structure they cannot see: an empty file decodes
to zero sections, and flowing formats mark their sections
sentences-incomplete so the partitioner knows overlap may cross section
edges.
*/
package decoders
