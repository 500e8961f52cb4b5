// Package composer assembles grounded-answer prompts from retrieved
// fragments and delegates text generation to an external backend.
//
// Generation failures never fail the request. The composer returns the
// retrieved fragments with a degraded-answer notice instead, so queries
// stay useful while the generative backend is down.
package composer
