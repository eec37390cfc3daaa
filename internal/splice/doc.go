// Package splice copies bytes in both directions between two connected
// streams until each direction has seen end-of-stream or an error.
//
// The two directions are independent: one side finishing half-closes its
// destination and leaves the other direction running until it drains. The
// idle timeout is shared: traffic either way keeps both directions alive.
package splice
