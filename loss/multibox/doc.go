// Package multibox - MultiBox training loss for anchor based detectors.
//
// A detector that uses this loss emits three heads per anchor: a box regression
// (dx, dy, dw, dh), a secondary attribute classifier (for example smile / no smile)
// and the main object classifier. Given the encoded ground truth of a batch,
// the Engine returns three scalar losses:
//
//   - Loc: smooth-L1 over the box regression of positive anchors.
//   - Attr: sparse categorical cross-entropy of the attribute head on positive anchors.
//   - Class: sparse categorical cross-entropy of the object head on positive anchors
//     plus the hardest negative anchors of every image (online hard negative mining).
//
// Ground truth is a [B, P, 6] float32 tensor laid out as
// (dx, dy, dw, dh, attr_label, class_label) where class_label is 1 for positive,
// 0 for background and -1 for anchors that must be ignored.
//
// Predictions are probabilities (softmax outputs) unless Config.FromLogits is set.
package multibox
