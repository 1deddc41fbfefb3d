// Package calibration selects a working measurement current from an I-V
// sweep. It contains:
//
//   - Calibrator: drives the source through a bipolar voltage sweep and
//     records one Point per setting
//   - Score: rates every point with a weighted merit function and picks the
//     current with the lowest combined merit of its positive and negative
//     branch points
//   - Phase and Status: the view model the daemon exposes over HTTP
//
// The merit of a point is A*f1 + B*f2 + C*f3 where f1 is the magnitude of the
// second derivative of I(V) (non-linearity), f2 the spread of the resistance
// readings (noise) and f3 is V^2 (self heating). Every term is normalized to
// its maximum within the branch.
package calibration
