// Package workflow drives a book from requirements to an exported
// manuscript through human approval gates.
//
// The StateMachine owns every status field. It validates each caller
// request against the book's position, runs the outline, chapter or
// compilation stage, and commits the outcome with a compare-and-set on the
// book position so concurrent requests cannot both win.
//
// Book positions:
//
//	created -> outline_generating -> outline_review <-> outline_generating
//	        -> chapter_generating(1) -> chapter_review(1) <-> chapter_generating(1)
//	        -> ... -> chapter_review(N) -> compiling -> completed
//
// failed is entered when a generation call fails with no earlier draft to
// fall back to. Output the stages cannot parse leaves the entity in
// generating until the caller retries.
package workflow
